package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// WebsocketDialer connects to the gateway's /ws endpoint, passing the token
// as a bearer Authorization header.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
	Log    zerolog.Logger
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "handshake rejected with status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dial gateway")
	}

	t := &wsTransport{
		conn:   conn,
		log:    d.Log,
		send:   make(chan []byte, 256),
		events: make(chan model.Envelope, 256),
		done:   make(chan struct{}),
	}
	go t.writePump()
	go t.readPump()
	return t, nil
}

type wsTransport struct {
	conn   *websocket.Conn
	log    zerolog.Logger
	send   chan []byte
	events chan model.Envelope
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (t *wsTransport) Emit(ctx context.Context, event string, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	select {
	case t.send <- raw:
		return nil
	case <-t.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *wsTransport) Events() <-chan model.Envelope { return t.events }

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *wsTransport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *wsTransport) shutdown(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

// readPump pumps envelopes from the websocket connection to Events.
func (t *wsTransport) readPump() {
	defer func() {
		close(t.events)
		t.conn.Close()
	}()
	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error { t.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Debug().Err(err).Msg("websocket read")
			}
			t.shutdown(err)
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		select {
		case t.events <- env:
		case <-t.done:
			return
		}
	}
}

// writePump pumps queued envelopes to the websocket connection and keeps it
// alive with pings.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()
	for {
		select {
		case raw := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.shutdown(err)
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.shutdown(err)
				return
			}
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
