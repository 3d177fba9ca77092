package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
	"github.com/mahaj/workspace-chat/pkg/snowflake"
)

var errForbidden = errors.New("not a participant of this direct message")

// Publisher hands stamped messages to the stream every gateway reads.
type Publisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

// Source yields every message published by any gateway instance.
type Source interface {
	Read(ctx context.Context) (model.Message, error)
}

type PresenceTracker interface {
	Join(ctx context.Context, channelID, userID string) error
	Leave(ctx context.Context, channelID, userID string) error
}

type Hub struct {
	mu          sync.RWMutex
	clients     map[string]map[*Client]bool // channel_id -> clients
	userClients map[string]map[*Client]bool // user_id -> clients (Global tracking)

	register   chan *Client
	unregister chan *Client
	inbound    chan model.Message

	publisher Publisher
	presence  PresenceTracker
	ids       *snowflake.Node
	log       zerolog.Logger
	now       func() time.Time
}

func NewHub(publisher Publisher, presence PresenceTracker, ids *snowflake.Node, log zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		userClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan model.Message, 256),
		publisher:   publisher,
		presence:    presence,
		ids:         ids,
		log:         log,
		now:         time.Now,
	}
}

// Run serializes connection bookkeeping and publishing until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			if h.userClients[c.UserID] == nil {
				h.userClients[c.UserID] = make(map[*Client]bool)
			}
			h.userClients[c.UserID][c] = true
			h.mu.Unlock()
			h.log.Info().Str("user_id", c.UserID).Msg("client registered")

		case c := <-h.unregister:
			h.remove(ctx, c)

		case msg := <-h.inbound:
			h.publish(ctx, msg)
		}
	}
}

// Fanout delivers everything src yields to local clients until ctx ends or
// src fails for good.
func (h *Hub) Fanout(ctx context.Context, src Source) {
	for {
		msg, err := src.Read(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			h.log.Error().Err(err).Msg("gateway consumer error")
			continue
		}
		h.Deliver(msg)
	}
}

// Join subscribes c to channelID. Direct-message channels only admit their
// two participants.
func (h *Hub) Join(ctx context.Context, c *Client, channelID string) error {
	if channelID == "" {
		return errors.New("channel_id is required")
	}
	if !canAccess(channelID, c.UserID) {
		return errForbidden
	}

	h.mu.Lock()
	if h.clients[channelID] == nil {
		h.clients[channelID] = make(map[*Client]bool)
	}
	already := h.clients[channelID][c]
	h.clients[channelID][c] = true
	c.channels[channelID] = true
	h.mu.Unlock()
	if already {
		return nil
	}

	if err := h.presence.Join(ctx, channelID, c.UserID); err != nil {
		h.log.Warn().Err(err).Str("user_id", c.UserID).Msg("failed to set presence")
	}
	h.log.Info().Str("user_id", c.UserID).Str("channel_id", channelID).Msg("client joined channel")
	h.enqueue(model.Message{ChannelID: channelID, UserID: c.UserID, Type: model.TypePresence, Content: "joined"})
	return nil
}

// Leave unsubscribes c from channelID.
func (h *Hub) Leave(ctx context.Context, c *Client, channelID string) {
	h.mu.Lock()
	left := h.leaveLocked(c, channelID)
	h.mu.Unlock()
	if left {
		h.announceLeave(ctx, c.UserID, channelID)
	}
}

// Submit accepts a message sent by c and queues it for publishing.
func (h *Hub) Submit(c *Client, msg model.Message) error {
	if !canAccess(msg.ChannelID, c.UserID) {
		return errForbidden
	}
	msg.UserID = c.UserID
	h.enqueue(msg)
	return nil
}

// Deliver routes msg to the local clients that should see it: both
// participants of a DM, or everyone joined to a channel.
func (h *Hub) Deliver(msg model.Message) {
	env, err := envelopeFor(msg)
	if err != nil {
		h.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("dropping undeliverable message")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal envelope")
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.recipientsLocked(msg.ChannelID) {
		select {
		case c.send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("user_id", c.UserID).Msg("dropping slow client")
		c.close()
	}
}

func (h *Hub) recipientsLocked(channelID string) map[*Client]bool {
	a, b, ok := model.DMParticipants(channelID)
	if !ok {
		return h.clients[channelID]
	}
	out := make(map[*Client]bool)
	for _, userID := range []string{a, b} {
		for c := range h.userClients[userID] {
			out[c] = true
		}
	}
	return out
}

func (h *Hub) enqueue(msg model.Message) {
	h.inbound <- msg
}

func (h *Hub) publish(ctx context.Context, msg model.Message) {
	if msg.ID == 0 {
		msg.ID = h.ids.Generate()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}
	if err := h.publisher.Publish(ctx, msg); err != nil {
		h.log.Error().Err(err).Int64("id", msg.ID).Msg("failed to publish message")
		return
	}
	h.log.Debug().Int64("id", msg.ID).Str("channel_id", msg.ChannelID).Msg("message published")
}

func (h *Hub) remove(ctx context.Context, c *Client) {
	h.mu.Lock()
	if !h.userClients[c.UserID][c] {
		h.mu.Unlock()
		return
	}
	var left []string
	for channelID := range c.channels {
		if h.leaveLocked(c, channelID) {
			left = append(left, channelID)
		}
	}
	delete(h.userClients[c.UserID], c)
	if len(h.userClients[c.UserID]) == 0 {
		delete(h.userClients, c.UserID)
	}
	close(c.send)
	h.mu.Unlock()

	for _, channelID := range left {
		h.announceLeave(ctx, c.UserID, channelID)
	}
	h.log.Info().Str("user_id", c.UserID).Msg("client unregistered")
}

func (h *Hub) leaveLocked(c *Client, channelID string) bool {
	clients, ok := h.clients[channelID]
	if !ok || !clients[c] {
		return false
	}
	delete(clients, c)
	delete(c.channels, channelID)
	if len(clients) == 0 {
		delete(h.clients, channelID)
	}
	return true
}

// announceLeave may run on the hub loop itself, so a full queue is bypassed
// with an inline publish.
func (h *Hub) announceLeave(ctx context.Context, userID, channelID string) {
	if err := h.presence.Leave(ctx, channelID, userID); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("failed to delete presence")
	}
	msg := model.Message{ChannelID: channelID, UserID: userID, Type: model.TypePresence, Content: "left"}
	select {
	case h.inbound <- msg:
	default:
		h.publish(ctx, msg)
	}
}

// envelopeFor turns a stream message into the event clients receive.
func envelopeFor(msg model.Message) (model.Envelope, error) {
	switch msg.Type {
	case model.TypeMessage:
		return model.NewEnvelope(model.EventNewMessage, msg)
	case model.TypeTyping:
		return model.NewEnvelope(model.EventTyping, model.TypingSignal{
			ChannelID: msg.ChannelID,
			UserID:    msg.UserID,
			IsTyping:  msg.IsTyping,
		})
	case model.TypePresence:
		return model.NewEnvelope(model.EventPresence, model.Presence{
			ChannelID: msg.ChannelID,
			UserID:    msg.UserID,
			Status:    msg.Content,
		})
	default:
		return model.Envelope{}, errors.Errorf("unknown message type %q", msg.Type)
	}
}

func canAccess(channelID, userID string) bool {
	a, b, ok := model.DMParticipants(channelID)
	if !ok {
		return true
	}
	return a == userID || b == userID
}
