package model

import (
	"encoding/json"
	"strings"
)

// Event names exchanged over the gateway websocket.
const (
	EventNewMessage   = "new_message"
	EventTyping       = "typing"
	EventPresence     = "presence"
	EventSendMessage  = "send_message"
	EventJoinChannel  = "join_channel"
	EventLeaveChannel = "leave_channel"
)

// Envelope frames every websocket payload as {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// TypingSignal announces that a user started or stopped typing in a channel.
type TypingSignal struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
}

// SendMessage is the client request to post into a channel.
type SendMessage struct {
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChannelRequest joins or leaves a channel on the gateway.
type ChannelRequest struct {
	ChannelID string `json:"channel_id"`
}

// Presence reports a user joining or leaving a channel.
type Presence struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
}

const dmPrefix = "dm:"

// DMChannelID returns the canonical direct-message channel for two users.
func DMChannelID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return dmPrefix + a + ":" + b
}

// DMParticipants extracts both user ids from a "dm:a:b" channel id.
func DMParticipants(channelID string) (string, string, bool) {
	if !strings.HasPrefix(channelID, dmPrefix) {
		return "", "", false
	}
	parts := strings.Split(channelID, ":")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
