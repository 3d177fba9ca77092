package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
	"github.com/mahaj/workspace-chat/pkg/stream"
)

// Source yields decoded records from the message topic.
type Source interface {
	Read(ctx context.Context) (model.Message, error)
}

// Store persists chat messages and their DM bookkeeping.
type Store interface {
	Save(ctx context.Context, msg model.Message) error
}

type Consumer struct {
	source     Source
	store      Store
	log        zerolog.Logger
	retryDelay time.Duration
}

func NewConsumer(source Source, store Store, log zerolog.Logger) *Consumer {
	return &Consumer{source: source, store: store, log: log, retryDelay: time.Second}
}

// Consume persists every chat message until ctx ends. Typing and presence
// records are ephemeral and skipped.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		msg, err := c.source.Read(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, stream.ErrMalformed) {
			c.log.Warn().Err(err).Msg("skipping malformed record")
			continue
		}
		if err != nil {
			c.log.Error().Err(err).Dur("retry_in", c.retryDelay).Msg("error reading message")
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg model.Message) {
	if msg.Type != model.TypeMessage {
		c.log.Debug().Str("type", string(msg.Type)).Msg("skipping persistence for ephemeral message")
		return
	}
	if err := c.store.Save(ctx, msg); err != nil {
		c.log.Error().Err(err).Int64("id", msg.ID).Str("channel_id", msg.ChannelID).Msg("failed to save message")
		return
	}
	c.log.Debug().Int64("id", msg.ID).Msg("message saved")
}
