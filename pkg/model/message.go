package model

import "time"

type MessageType string

const (
	TypeMessage     MessageType = "message"
	TypeTyping      MessageType = "typing"
	TypePresence    MessageType = "presence"
	TypeReadReceipt MessageType = "read_receipt"
)

// Attachment is a file reference carried by a message. Uploading the file is
// not handled here; only its metadata travels with the message.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is the unit carried through Kafka, stored in ScyllaDB and shown in
// client timelines. Typing and presence events reuse it with IsTyping/Content.
type Message struct {
	ID          int64        `json:"id"`
	ChannelID   string       `json:"channel_id"`
	UserID      string       `json:"user_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Type        MessageType  `json:"type"`
	IsTyping    bool         `json:"is_typing,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Before reports whether m sorts before o in timeline order: by timestamp,
// then by id.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}
