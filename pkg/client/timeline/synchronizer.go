// Package timeline merges paginated channel history with live gateway events
// into one ordered, deduplicated timeline per open channel, and tracks who is
// typing.
package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/client/events"
	"github.com/mahaj/workspace-chat/pkg/clock"
	"github.com/mahaj/workspace-chat/pkg/model"
)

// History fetches a page of a channel's messages.
type History interface {
	FetchChannelMessages(ctx context.Context, channelID string, limit, offset int) ([]model.Message, error)
}

type Config struct {
	// TypingStopDelay is the pause after the last local keystroke before a
	// typing stop is sent.
	TypingStopDelay time.Duration
	// RemoteTypingTTL removes a remote typing entry that never received its
	// stop signal. Zero keeps entries until the stop arrives.
	RemoteTypingTTL time.Duration
}

func DefaultConfig() Config {
	return Config{TypingStopDelay: 2 * time.Second}
}

// Timeline is a read-only copy of one channel's state.
type Timeline struct {
	ChannelID string
	Messages  []model.Message
	// Typing lists the remote users currently typing, sorted.
	Typing []string
}

type typingEntry struct {
	expiresAt time.Time
	timer     clock.Timer
}

type channel struct {
	messages []model.Message
	ids      map[int64]struct{}
	typing   map[string]*typingEntry
	loadGen  uint64
	notifier *TypingNotifier
}

type Synchronizer struct {
	cfg     Config
	history History
	emitter Emitter
	clock   clock.Clock
	log     zerolog.Logger

	mu        sync.Mutex
	localUser string
	channels  map[string]*channel
}

type Option func(*Synchronizer)

func WithConfig(cfg Config) Option { return func(s *Synchronizer) { s.cfg = cfg } }

func WithClock(c clock.Clock) Option { return func(s *Synchronizer) { s.clock = c } }

func WithLogger(log zerolog.Logger) Option { return func(s *Synchronizer) { s.log = log } }

func New(history History, emitter Emitter, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cfg:      DefaultConfig(),
		history:  history,
		emitter:  emitter,
		clock:    clock.Real(),
		log:      zerolog.Nop(),
		channels: map[string]*channel{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "timeline").Logger()
	return s
}

// SetLocalUser sets whose typing signals are ignored.
func (s *Synchronizer) SetLocalUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUser = userID
}

// Open starts an empty timeline for channelID. Opening an open channel is a
// no-op.
func (s *Synchronizer) Open(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; ok {
		return
	}
	s.channels[channelID] = &channel{
		ids:      map[int64]struct{}{},
		typing:   map[string]*typingEntry{},
		notifier: NewTypingNotifier(channelID, s.emitter, s.clock, s.cfg.TypingStopDelay, s.log),
	}
}

// Close discards the channel's timeline and cancels its typing timers. A
// pending local typing start is answered with a stop.
func (s *Synchronizer) Close(ctx context.Context, channelID string) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if ok {
		delete(s.channels, channelID)
		ch.stopTimers()
	}
	s.mu.Unlock()

	if ok {
		if err := ch.notifier.Stop(ctx); err != nil {
			s.log.Debug().Err(err).Str("channel_id", channelID).Msg("typing stop not sent")
		}
	}
}

// Opened returns the ids of the open channels, sorted.
func (s *Synchronizer) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadHistory fetches a page and replaces the channel's messages with it. On
// failure the timeline is untouched and a *SyncError is returned.
func (s *Synchronizer) LoadHistory(ctx context.Context, channelID string, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrChannelNotOpen
	}
	ch.loadGen++
	gen := ch.loadGen
	s.mu.Unlock()

	msgs, err := s.history.FetchChannelMessages(ctx, channelID, limit, offset)
	if err != nil {
		s.log.Warn().Err(err).Str("channel_id", channelID).Msg("history fetch failed")
		return nil, &SyncError{Kind: HistoryFetchFailed, ChannelID: channelID, Err: err}
	}
	msgs, ids := normalize(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[channelID] != ch || ch.loadGen != gen {
		return nil, ErrSuperseded
	}
	ch.messages = msgs
	ch.ids = ids
	return cloneMessages(msgs), nil
}

// OnLiveMessage inserts m into its channel's timeline at its sorted position
// unless a message with the same id is already there. It reports whether the
// timeline changed.
func (s *Synchronizer) OnLiveMessage(m model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[m.ChannelID]
	if !ok {
		return false
	}
	if _, dup := ch.ids[m.ID]; dup {
		return false
	}
	i := sort.Search(len(ch.messages), func(i int) bool { return m.Before(ch.messages[i]) })
	ch.messages = append(ch.messages, model.Message{})
	copy(ch.messages[i+1:], ch.messages[i:])
	ch.messages[i] = m
	ch.ids[m.ID] = struct{}{}
	return true
}

// OnTypingSignal adds or removes a remote user from the channel's typing set.
func (s *Synchronizer) OnTypingSignal(sig model.TypingSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[sig.ChannelID]
	if !ok || sig.UserID == "" || sig.UserID == s.localUser {
		return
	}

	if old, ok := ch.typing[sig.UserID]; ok {
		old.timer = clock.Stop(old.timer)
	}
	if !sig.IsTyping {
		delete(ch.typing, sig.UserID)
		return
	}

	e := &typingEntry{}
	if ttl := s.cfg.RemoteTypingTTL; ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
		e.timer = s.clock.AfterFunc(ttl, func() { s.expireTyping(ch, sig.UserID, e) })
	}
	ch.typing[sig.UserID] = e
}

func (s *Synchronizer) expireTyping(ch *channel, userID string, e *typingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.typing[userID] == e {
		delete(ch.typing, userID)
	}
}

// Keystroke records local typing in channelID.
func (s *Synchronizer) Keystroke(ctx context.Context, channelID string) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return ErrChannelNotOpen
	}
	return ch.notifier.Keystroke(ctx)
}

// StopTyping sends the typing stop for channelID now.
func (s *Synchronizer) StopTyping(ctx context.Context, channelID string) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return ErrChannelNotOpen
	}
	return ch.notifier.Stop(ctx)
}

// Timeline returns a copy of the channel's state.
func (s *Synchronizer) Timeline(channelID string) (Timeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return Timeline{}, false
	}
	t := Timeline{ChannelID: channelID, Messages: cloneMessages(ch.messages)}
	for u := range ch.typing {
		t.Typing = append(t.Typing, u)
	}
	sort.Strings(t.Typing)
	return t, true
}

// Run applies live events from sub until ctx ends or sub is closed.
func (s *Synchronizer) Run(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case e := <-sub.C:
			switch e := e.(type) {
			case events.NewMessage:
				s.OnLiveMessage(e.Message)
			case events.Typing:
				s.OnTypingSignal(e.Signal)
			}
		}
	}
}

// Reset discards every timeline without sending anything.
func (s *Synchronizer) Reset(context.Context) error {
	s.mu.Lock()
	chans := s.channels
	s.channels = map[string]*channel{}
	s.localUser = ""
	for _, ch := range chans {
		ch.stopTimers()
	}
	s.mu.Unlock()

	for _, ch := range chans {
		ch.notifier.Cancel()
	}
	return nil
}

func (ch *channel) stopTimers() {
	for _, e := range ch.typing {
		e.timer = clock.Stop(e.timer)
	}
}

// normalize sorts msgs into timeline order and drops repeated ids, keeping
// the first occurrence.
func normalize(msgs []model.Message) ([]model.Message, map[int64]struct{}) {
	ids := make(map[int64]struct{}, len(msgs))
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, ids
}

func cloneMessages(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	return append([]model.Message(nil), msgs...)
}
