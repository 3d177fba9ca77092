// Package events carries typed connection and live-data events from the
// connection manager to its consumers.
package events

import (
	"github.com/mahaj/workspace-chat/pkg/model"
)

// Names of the local connection lifecycle events. Live data events reuse the
// wire names in package model.
const (
	NameConnect          = "connect"
	NameConnectError     = "connect_error"
	NameDisconnect       = "disconnect"
	NameReconnectAttempt = "reconnect_attempt"
	NameReconnect        = "reconnect"
	NameReconnectFailed  = "reconnect_failed"
)

// Event is implemented by every value published on a Bus.
type Event interface {
	EventName() string
}

type Connected struct{}

type ConnectError struct {
	Attempt int
	Err     error
}

type Disconnected struct {
	// Voluntary is true for Disconnect calls (logout), false for transport loss.
	Voluntary bool
	Err       error
}

type ReconnectAttempt struct {
	Attempt int
}

type Reconnected struct {
	Attempts int
}

type ReconnectFailed struct {
	Err error
}

type NewMessage struct {
	Message model.Message
}

type Typing struct {
	Signal model.TypingSignal
}

type Presence struct {
	Presence model.Presence
}

func (Connected) EventName() string        { return NameConnect }
func (ConnectError) EventName() string     { return NameConnectError }
func (Disconnected) EventName() string     { return NameDisconnect }
func (ReconnectAttempt) EventName() string { return NameReconnectAttempt }
func (Reconnected) EventName() string      { return NameReconnect }
func (ReconnectFailed) EventName() string  { return NameReconnectFailed }
func (NewMessage) EventName() string       { return model.EventNewMessage }
func (Typing) EventName() string           { return model.EventTyping }
func (Presence) EventName() string         { return model.EventPresence }
