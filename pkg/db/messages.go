package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/mahaj/workspace-chat/pkg/model"
)

// Messages reads and writes channel messages and the DM conversation index.
type Messages struct {
	s *Session
}

func NewMessages(s *Session) *Messages { return &Messages{s: s} }

// Save persists a chat message. For DM channels it also touches both
// participants' conversation rows and bumps the recipient's unread counter.
func (m *Messages) Save(ctx context.Context, msg model.Message) error {
	attachments := ""
	if len(msg.Attachments) > 0 {
		raw, err := json.Marshal(msg.Attachments)
		if err != nil {
			return errors.Wrap(err, "encode attachments")
		}
		attachments = string(raw)
	}
	err := m.s.Query(`INSERT INTO messages (channel_id, id, user_id, content, attachments, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ChannelID, msg.ID, msg.UserID, msg.Content, attachments, msg.Timestamp).WithContext(ctx).Exec()
	if err != nil {
		return errors.Wrap(err, "insert message")
	}

	a, b, ok := model.DMParticipants(msg.ChannelID)
	if !ok {
		return nil
	}
	q := `INSERT INTO user_conversations (user_id, other_user_id, last_updated) VALUES (?, ?, ?)`
	if err := m.s.Query(q, a, b, msg.Timestamp).WithContext(ctx).Exec(); err != nil {
		return errors.Wrapf(err, "update conversation for %s", a)
	}
	if err := m.s.Query(q, b, a, msg.Timestamp).WithContext(ctx).Exec(); err != nil {
		return errors.Wrapf(err, "update conversation for %s", b)
	}

	recipient := a
	if recipient == msg.UserID {
		recipient = b
	}
	err = m.s.Query(`UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND other_user_id = ?`,
		recipient, msg.UserID).WithContext(ctx).Exec()
	return errors.Wrapf(err, "increment unread count for %s", recipient)
}

// History returns up to limit messages of channelID, skipping the offset
// newest ones, oldest first.
func (m *Messages) History(ctx context.Context, channelID string, limit, offset int) ([]model.Message, error) {
	iter := m.s.Query(`SELECT channel_id, id, user_id, content, attachments, timestamp FROM messages WHERE channel_id = ? LIMIT ?`,
		channelID, limit+offset).WithContext(ctx).Iter()

	var (
		msgs        []model.Message
		msg         model.Message
		attachments string
		ts          time.Time
	)
	skipped := 0
	for iter.Scan(&msg.ChannelID, &msg.ID, &msg.UserID, &msg.Content, &attachments, &ts) {
		if skipped < offset {
			skipped++
			continue
		}
		msg.Timestamp = ts
		msg.Type = model.TypeMessage
		msg.Attachments = nil
		if attachments != "" {
			if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
				return nil, errors.Wrapf(err, "decode attachments of %d", msg.ID)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Conversations lists userID's DM threads with their unread counts.
func (m *Messages) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := m.s.Query(`SELECT user_id, other_user_id, last_updated FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()

	var convs []model.Conversation
	var c model.Conversation
	for iter.Scan(&c.UserID, &c.OtherUserID, &c.LastUpdated) {
		c.UnreadCount = 0
		var count int64
		if err := m.s.Query(`SELECT unread_count FROM conversation_counters WHERE user_id = ? AND other_user_id = ?`,
			c.UserID, c.OtherUserID).WithContext(ctx).Scan(&count); err == nil {
			c.UnreadCount = count
		}
		convs = append(convs, c)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "iterate conversations")
	}
	return convs, nil
}

// MarkRead resets the unread counter. Deleting the row is the only way to
// reset a Scylla counter.
func (m *Messages) MarkRead(ctx context.Context, userID, otherUserID string) error {
	err := m.s.Query(`DELETE FROM conversation_counters WHERE user_id = ? AND other_user_id = ?`, userID, otherUserID).
		WithContext(ctx).Exec()
	return errors.Wrap(err, "reset unread count")
}
