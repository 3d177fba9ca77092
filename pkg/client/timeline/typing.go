package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/clock"
	"github.com/mahaj/workspace-chat/pkg/model"
)

// Emitter sends an outbound event on the live connection.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// TypingNotifier coalesces the local user's keystrokes in one channel into a
// single typing start and a single typing stop once the user pauses.
type TypingNotifier struct {
	channelID string
	emitter   Emitter
	clock     clock.Clock
	delay     time.Duration
	log       zerolog.Logger

	mu     sync.Mutex
	active bool
	seq    uint64
	timer  clock.Timer
}

func NewTypingNotifier(channelID string, emitter Emitter, c clock.Clock, delay time.Duration, log zerolog.Logger) *TypingNotifier {
	return &TypingNotifier{channelID: channelID, emitter: emitter, clock: c, delay: delay, log: log}
}

// Keystroke announces typing on the first call of a burst and pushes the
// stop signal back by the configured delay.
func (n *TypingNotifier) Keystroke(ctx context.Context) error {
	n.mu.Lock()
	started := !n.active
	n.active = true
	n.rescheduleLocked()
	n.mu.Unlock()

	if !started {
		return nil
	}
	if err := n.emit(ctx, true); err != nil {
		n.Cancel()
		return err
	}
	return nil
}

// Active reports whether a typing start has been sent without its stop.
func (n *TypingNotifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Stop sends the stop signal now if the user was typing.
func (n *TypingNotifier) Stop(ctx context.Context) error {
	if !n.Cancel() {
		return nil
	}
	return n.emit(ctx, false)
}

// Cancel drops the pending stop timer without emitting anything and reports
// whether typing was active.
func (n *TypingNotifier) Cancel() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	was := n.active
	n.active = false
	n.seq++
	n.timer = clock.Stop(n.timer)
	return was
}

func (n *TypingNotifier) rescheduleLocked() {
	n.timer = clock.Stop(n.timer)
	n.seq++
	seq := n.seq
	n.timer = n.clock.AfterFunc(n.delay, func() { n.expire(seq) })
}

func (n *TypingNotifier) expire(seq uint64) {
	n.mu.Lock()
	if seq != n.seq || !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.timer = nil
	n.mu.Unlock()

	if err := n.emit(context.Background(), false); err != nil {
		n.log.Debug().Err(err).Str("channel_id", n.channelID).Msg("typing stop not sent")
	}
}

func (n *TypingNotifier) emit(ctx context.Context, typing bool) error {
	return n.emitter.Emit(ctx, model.EventTyping, model.TypingSignal{ChannelID: n.channelID, IsTyping: typing})
}
