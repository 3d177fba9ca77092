package connection

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	HandshakeTimeout ErrorKind = iota + 1
	TransportLost
	ReconnectExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case HandshakeTimeout:
		return "handshake timeout"
	case TransportLost:
		return "transport lost"
	case ReconnectExhausted:
		return "reconnect attempts exhausted"
	default:
		return "unknown"
	}
}

// ConnectivityError describes why a connection attempt or an open connection
// failed. Only ReconnectExhausted is returned from Manager.Err; the other
// kinds travel on the bus inside ConnectError and Disconnected events.
type ConnectivityError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return "connection: " + e.Kind.String()
	}
	return fmt.Sprintf("connection: %s: %v", e.Kind, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func (e *ConnectivityError) Is(target error) bool {
	t, ok := target.(*ConnectivityError)
	return ok && t.Kind == e.Kind
}

var (
	ErrHandshakeTimeout   = &ConnectivityError{Kind: HandshakeTimeout}
	ErrTransportLost      = &ConnectivityError{Kind: TransportLost}
	ErrReconnectExhausted = &ConnectivityError{Kind: ReconnectExhausted}

	ErrNotConnected = errors.New("connection: not open")
	ErrNoToken      = errors.New("connection: empty token")
)
