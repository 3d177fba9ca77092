package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/auth"
	"github.com/mahaj/workspace-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub
	ctx context.Context
	log zerolog.Logger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound envelopes.
	send chan []byte

	UserID string

	// Channels joined on this connection, guarded by hub.mu.
	channels map[string]bool

	closeOnce sync.Once
}

func newClient(ctx context.Context, hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:      hub,
		ctx:      ctx,
		log:      hub.log.With().Str("user_id", userID).Logger(),
		conn:     conn,
		send:     make(chan []byte, 256),
		UserID:   userID,
		channels: make(map[string]bool),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump pumps envelopes from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read")
			}
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if err := c.handle(env); err != nil {
			c.log.Warn().Err(err).Str("event", env.Event).Msg("rejected client event")
		}
	}
}

// handle applies one client event.
func (c *Client) handle(env model.Envelope) error {
	switch env.Event {
	case model.EventJoinChannel, model.EventLeaveChannel:
		var req model.ChannelRequest
		if err := env.Decode(&req); err != nil {
			return errors.Wrap(err, "decode channel request")
		}
		if env.Event == model.EventLeaveChannel {
			c.hub.Leave(c.ctx, c, req.ChannelID)
			return nil
		}
		return c.hub.Join(c.ctx, c, req.ChannelID)

	case model.EventSendMessage:
		var req model.SendMessage
		if err := env.Decode(&req); err != nil {
			return errors.Wrap(err, "decode send_message")
		}
		if req.ChannelID == "" {
			return errors.New("channel_id is required")
		}
		if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
			return errors.New("empty message")
		}
		return c.hub.Submit(c, model.Message{
			ChannelID:   req.ChannelID,
			Content:     req.Content,
			Attachments: req.Attachments,
			Type:        model.TypeMessage,
		})

	case model.EventTyping:
		var sig model.TypingSignal
		if err := env.Decode(&sig); err != nil {
			return errors.Wrap(err, "decode typing")
		}
		if sig.ChannelID == "" {
			return errors.New("channel_id is required")
		}
		return c.hub.Submit(c, model.Message{
			ChannelID: sig.ChannelID,
			Type:      model.TypeTyping,
			IsTyping:  sig.IsTyping,
		})

	default:
		return errors.Errorf("unknown event %q", env.Event)
	}
}

// writePump pumps messages from the hub to the websocket connection, one
// envelope per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsHandler authenticates the upgrade with a bearer token (header, or the
// token query parameter for clients that cannot set headers) and hands the
// connection to the hub. An optional channel query parameter is joined
// right away.
func wsHandler(ctx context.Context, hub *Hub, signer *auth.Signer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := auth.BearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			hub.log.Debug().Msg("unauthorized: no token provided")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := signer.ValidateToken(tokenString)
		if err != nil {
			hub.log.Debug().Err(err).Msg("unauthorized: invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		channelID := r.URL.Query().Get("channel")
		if channelID != "" && !canAccess(channelID, claims.UserID) {
			http.Error(w, "Unauthorized to join this DM", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn().Err(err).Msg("upgrade failed")
			return
		}

		client := newClient(ctx, hub, conn, claims.UserID)
		hub.register <- client
		if channelID != "" {
			if err := hub.Join(ctx, client, channelID); err != nil {
				client.log.Warn().Err(err).Msg("initial join failed")
			}
		}

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.writePump()
		go client.readPump()
	}
}
