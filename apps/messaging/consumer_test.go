package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/workspace-chat/pkg/model"
	"github.com/mahaj/workspace-chat/pkg/stream"
)

type result struct {
	msg model.Message
	err error
}

// scriptedSource replays results, then blocks until ctx ends.
type scriptedSource struct {
	results chan result
}

func (s *scriptedSource) Read(ctx context.Context) (model.Message, error) {
	select {
	case r := <-s.results:
		return r.msg, r.err
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	}
}

type memStore struct {
	mu    sync.Mutex
	saved []model.Message
	fail  bool
}

func (m *memStore) Save(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("scylla unavailable")
	}
	m.saved = append(m.saved, msg)
	return nil
}

func (m *memStore) ids() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, msg := range m.saved {
		out = append(out, msg.ID)
	}
	return out
}

func TestConsumePersistsOnlyChatMessages(t *testing.T) {
	src := &scriptedSource{results: make(chan result, 8)}
	store := &memStore{}
	c := NewConsumer(src, store, zerolog.Nop())
	c.retryDelay = time.Millisecond

	src.results <- result{msg: model.Message{ID: 1, ChannelID: "general", Type: model.TypeMessage, Content: "hi"}}
	src.results <- result{msg: model.Message{ID: 2, ChannelID: "general", Type: model.TypeTyping, IsTyping: true}}
	src.results <- result{err: errors.Wrap(stream.ErrMalformed, "bad json")}
	src.results <- result{err: errors.New("broker down")}
	src.results <- result{msg: model.Message{ID: 3, ChannelID: "general", Type: model.TypePresence, Content: "joined"}}
	src.results <- result{msg: model.Message{ID: 4, ChannelID: "dm:alice:bob", Type: model.TypeMessage, Content: "psst"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx) }()

	require.Eventually(t, func() bool { return len(store.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 4}, store.ids())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSaveFailureDoesNotStopConsumer(t *testing.T) {
	src := &scriptedSource{results: make(chan result, 4)}
	store := &memStore{fail: true}
	c := NewConsumer(src, store, zerolog.Nop())

	c.handle(context.Background(), model.Message{ID: 1, Type: model.TypeMessage})
	assert.Empty(t, store.ids())

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	c.handle(context.Background(), model.Message{ID: 2, Type: model.TypeMessage})
	assert.Equal(t, []int64{2}, store.ids())
}
