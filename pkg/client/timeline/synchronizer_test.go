package timeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/workspace-chat/pkg/client/events"
	"github.com/mahaj/workspace-chat/pkg/clock"
	"github.com/mahaj/workspace-chat/pkg/model"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id int64, at time.Time) model.Message {
	return model.Message{ID: id, ChannelID: "general", UserID: "u1", Content: "m", Timestamp: at}
}

func ids(msgs []model.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

type fakeHistory struct {
	mu    sync.Mutex
	pages map[string][]model.Message
	err   error
	// gate, when set, blocks a fetch until it receives a value.
	gate chan struct{}
}

func (h *fakeHistory) FetchChannelMessages(ctx context.Context, channelID string, limit, offset int) ([]model.Message, error) {
	h.mu.Lock()
	gate, err, page := h.gate, h.err, h.pages[channelID]
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return append([]model.Message(nil), page...), nil
}

type recordingEmitter struct {
	mu   sync.Mutex
	sent []model.TypingSignal
	err  error
}

func (e *recordingEmitter) Emit(_ context.Context, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	if event == model.EventTyping {
		e.sent = append(e.sent, payload.(model.TypingSignal))
	}
	return nil
}

func (e *recordingEmitter) signals() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bool
	for _, s := range e.sent {
		out = append(out, s.IsTyping)
	}
	return out
}

func newSync(h History, opts ...Option) (*Synchronizer, *clock.Virtual, *recordingEmitter) {
	clk := clock.NewVirtual(t0)
	em := &recordingEmitter{}
	s := New(h, em, append([]Option{WithClock(clk)}, opts...)...)
	return s, clk, em
}

func TestLiveMessageDeduplication(t *testing.T) {
	s, _, _ := newSync(&fakeHistory{})
	s.Open("general")

	assert.True(t, s.OnLiveMessage(msg(1, t0)))
	assert.True(t, s.OnLiveMessage(msg(2, t0.Add(time.Second))))
	dup := msg(1, t0)
	dup.Content = "redelivered"
	assert.False(t, s.OnLiveMessage(dup))

	tl, ok := s.Timeline("general")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, ids(tl.Messages))
	assert.Equal(t, "m", tl.Messages[0].Content, "first insertion wins")
}

func TestDuplicateOnTwoMessageTimeline(t *testing.T) {
	h := &fakeHistory{pages: map[string][]model.Message{
		"general": {msg(1, t0), msg(2, t0.Add(time.Minute))},
	}}
	s, _, _ := newSync(h)
	s.Open("general")
	_, err := s.LoadHistory(context.Background(), "general", 50, 0)
	require.NoError(t, err)

	s.OnLiveMessage(msg(1, t0))
	tl, _ := s.Timeline("general")
	assert.Len(t, tl.Messages, 2)
}

func TestLiveMessageForClosedChannelIsIgnored(t *testing.T) {
	s, _, _ := newSync(&fakeHistory{})
	s.Open("general")
	m := msg(1, t0)
	m.ChannelID = "random"
	assert.False(t, s.OnLiveMessage(m))
	tl, _ := s.Timeline("general")
	assert.Empty(t, tl.Messages)
}

func TestLiveMessagesKeepTimelineOrder(t *testing.T) {
	s, _, _ := newSync(&fakeHistory{})
	s.Open("general")
	s.OnLiveMessage(msg(3, t0.Add(2*time.Second)))
	s.OnLiveMessage(msg(1, t0))
	s.OnLiveMessage(msg(2, t0))
	s.OnLiveMessage(msg(4, t0.Add(2*time.Second)))

	tl, _ := s.Timeline("general")
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(tl.Messages))
}

func TestLoadHistoryReplacesAndNormalizes(t *testing.T) {
	h := &fakeHistory{pages: map[string][]model.Message{
		"general": {msg(3, t0.Add(time.Hour)), msg(1, t0), msg(3, t0.Add(time.Hour)), msg(2, t0)},
	}}
	s, _, _ := newSync(h)
	s.Open("general")
	s.OnLiveMessage(msg(9, t0.Add(-time.Hour)))

	got, err := s.LoadHistory(context.Background(), "general", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(got))

	tl, _ := s.Timeline("general")
	assert.Equal(t, []int64{1, 2, 3}, ids(tl.Messages), "live message absent from the page is dropped")

	assert.True(t, s.OnLiveMessage(msg(9, t0.Add(-time.Hour))))
	assert.False(t, s.OnLiveMessage(msg(2, t0)))
}

func TestLoadHistoryFailureKeepsTimeline(t *testing.T) {
	h := &fakeHistory{pages: map[string][]model.Message{"general": {msg(1, t0)}}}
	s, _, _ := newSync(h)
	s.Open("general")
	_, err := s.LoadHistory(context.Background(), "general", 50, 0)
	require.NoError(t, err)

	h.mu.Lock()
	h.err = errors.New("503 service unavailable")
	h.mu.Unlock()

	_, err = s.LoadHistory(context.Background(), "general", 50, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHistoryFetchFailed)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "general", se.ChannelID)

	tl, _ := s.Timeline("general")
	assert.Equal(t, []int64{1}, ids(tl.Messages))
}

func TestLoadHistoryRequiresOpenChannel(t *testing.T) {
	s, _, _ := newSync(&fakeHistory{})
	_, err := s.LoadHistory(context.Background(), "general", 50, 0)
	assert.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestSupersededLoadIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	h := &fakeHistory{pages: map[string][]model.Message{"general": {msg(1, t0)}}, gate: gate}
	s, _, _ := newSync(h)
	s.Open("general")

	slow := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), "general", 50, 0)
		slow <- err
	}()
	// wait until the slow load has registered itself
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.channels["general"].loadGen == 1
	}, time.Second, 5*time.Millisecond)

	fast := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), "general", 50, 0)
		fast <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.channels["general"].loadGen == 2
	}, time.Second, 5*time.Millisecond)

	gate <- struct{}{}
	gate <- struct{}{}
	errs := []error{<-slow, <-fast}
	assert.ErrorIs(t, errs[0], ErrSuperseded)
	assert.NoError(t, errs[1])
}

func TestRemoteTypingPersistsWithoutStop(t *testing.T) {
	s, clk, _ := newSync(&fakeHistory{})
	s.SetLocalUser("me")
	s.Open("general")

	s.OnTypingSignal(model.TypingSignal{ChannelID: "general", UserID: "u1", IsTyping: true})
	clk.Advance(3 * time.Second)
	tl, _ := s.Timeline("general")
	assert.Equal(t, []string{"u1"}, tl.Typing)

	clk.Advance(time.Hour)
	tl, _ = s.Timeline("general")
	assert.Equal(t, []string{"u1"}, tl.Typing)

	s.OnTypingSignal(model.TypingSignal{ChannelID: "general", UserID: "u1", IsTyping: false})
	tl, _ = s.Timeline("general")
	assert.Empty(t, tl.Typing)
}

func TestRemoteTypingIgnoresLocalUserAndOtherChannels(t *testing.T) {
	s, _, _ := newSync(&fakeHistory{})
	s.SetLocalUser("me")
	s.Open("general")

	s.OnTypingSignal(model.TypingSignal{ChannelID: "general", UserID: "me", IsTyping: true})
	s.OnTypingSignal(model.TypingSignal{ChannelID: "random", UserID: "u1", IsTyping: true})
	tl, _ := s.Timeline("general")
	assert.Empty(t, tl.Typing)
}

func TestRemoteTypingTTL(t *testing.T) {
	s, clk, _ := newSync(&fakeHistory{}, WithConfig(Config{TypingStopDelay: 2 * time.Second, RemoteTypingTTL: 5 * time.Second}))
	s.Open("general")

	s.OnTypingSignal(model.TypingSignal{ChannelID: "general", UserID: "u1", IsTyping: true})
	clk.Advance(4 * time.Second)
	// a refresh restarts the expiry
	s.OnTypingSignal(model.TypingSignal{ChannelID: "general", UserID: "u1", IsTyping: true})
	clk.Advance(4 * time.Second)
	tl, _ := s.Timeline("general")
	assert.Equal(t, []string{"u1"}, tl.Typing)

	clk.Advance(time.Second)
	tl, _ = s.Timeline("general")
	assert.Empty(t, tl.Typing)
}

func TestLocalTypingCoalescesKeystrokes(t *testing.T) {
	s, clk, em := newSync(&fakeHistory{})
	s.Open("general")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Keystroke(ctx, "general"))
		clk.Advance(time.Second)
	}
	assert.Equal(t, []bool{true}, em.signals())

	clk.Advance(time.Second)
	assert.Equal(t, []bool{true, false}, em.signals())

	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, em.signals())

	require.NoError(t, s.Keystroke(ctx, "general"))
	assert.Equal(t, []bool{true, false, true}, em.signals())
}

func TestCloseCancelsTypingTimers(t *testing.T) {
	s, clk, em := newSync(&fakeHistory{}, WithConfig(Config{TypingStopDelay: 2 * time.Second, RemoteTypingTTL: time.Minute}))
	s.Open("general")
	s.OnTypingSignal(model.TypingSignal{ChannelID: "general", UserID: "u1", IsTyping: true})
	require.NoError(t, s.Keystroke(context.Background(), "general"))

	s.Close(context.Background(), "general")
	assert.Equal(t, []bool{true, false}, em.signals())
	assert.Zero(t, clk.Pending())

	_, ok := s.Timeline("general")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Keystroke(context.Background(), "general"), ErrChannelNotOpen)
}

func TestFailedTypingStartCanBeRetried(t *testing.T) {
	s, clk, em := newSync(&fakeHistory{})
	s.Open("general")
	em.err = errors.New("not connected")
	require.Error(t, s.Keystroke(context.Background(), "general"))
	assert.Zero(t, clk.Pending())

	em.err = nil
	require.NoError(t, s.Keystroke(context.Background(), "general"))
	assert.Equal(t, []bool{true}, em.signals())
}

func TestResetDiscardsEverything(t *testing.T) {
	s, clk, em := newSync(&fakeHistory{})
	s.Open("general")
	s.Open("random")
	s.OnLiveMessage(msg(1, t0))
	require.NoError(t, s.Keystroke(context.Background(), "general"))

	require.NoError(t, s.Reset(context.Background()))
	assert.Empty(t, s.Opened())
	assert.Zero(t, clk.Pending())
	assert.Equal(t, []bool{true}, em.signals(), "reset sends nothing")
}

func TestRunAppliesBusEvents(t *testing.T) {
	s, _, _ := newSync(&fakeHistory{})
	s.Open("general")
	bus := events.NewBus()
	sub := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, sub) }()

	bus.Publish(events.NewMessage{Message: msg(1, t0)})
	bus.Publish(events.Typing{Signal: model.TypingSignal{ChannelID: "general", UserID: "u2", IsTyping: true}})
	bus.Publish(events.Connected{})

	require.Eventually(t, func() bool {
		tl, _ := s.Timeline("general")
		return len(tl.Messages) == 1 && len(tl.Typing) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	go func() { done <- s.Run(context.Background(), sub) }()
	sub.Close()
	assert.NoError(t, <-done)
}
