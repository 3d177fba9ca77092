// Package connection owns the client's single gateway connection: the
// handshake, bounded fixed-delay reconnection, and the fan-out of inbound
// events onto the event bus.
package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/client/events"
	"github.com/mahaj/workspace-chat/pkg/clock"
	"github.com/mahaj/workspace-chat/pkg/model"
)

type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is one established connection to the gateway.
type Transport interface {
	Emit(ctx context.Context, event string, payload any) error
	// Events yields inbound envelopes in arrival order and is closed when the
	// transport ends, after which Err reports why.
	Events() <-chan model.Envelope
	Err() error
	Close() error
}

// Dialer performs the handshake. Dial must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

type Config struct {
	ReconnectDelay   time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay:   time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
	}
}

type Manager struct {
	cfg    Config
	dialer Dialer
	bus    *events.Bus
	clock  clock.Clock
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	attempt   int
	token     string
	gen       uint64
	transport Transport
	retry     clock.Timer
	cancel    context.CancelFunc
	err       error
}

type Option func(*Manager)

func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(log zerolog.Logger) Option { return func(m *Manager) { m.log = log } }

func New(dialer Dialer, bus *events.Bus, opts ...Option) *Manager {
	m := &Manager{
		cfg:    DefaultConfig(),
		dialer: dialer,
		bus:    bus,
		clock:  clock.Real(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("component", "connection").Logger()
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnection attempts since the last Open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Err returns a *ConnectivityError once the manager has given up, nil
// otherwise.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Connect abandons any current connection and starts a handshake with
// token. It returns immediately; progress is reported on the bus.
func (m *Manager) Connect(token string) error {
	if token == "" {
		return ErrNoToken
	}
	m.mu.Lock()
	old := m.abandonLocked()
	m.token = token
	m.state = Connecting
	gen := m.gen
	m.mu.Unlock()

	closeTransport(old, m.log)
	go m.dial(gen)
	return nil
}

// Disconnect closes the connection and cancels any pending retry. It is
// safe to call in any state.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	active := m.state != Idle
	t := m.abandonLocked()
	m.token = ""
	m.state = Idle
	m.mu.Unlock()

	err := closeTransport(t, m.log)
	if active {
		m.log.Debug().Msg("disconnected")
		m.bus.Publish(events.Disconnected{Voluntary: true})
	}
	return err
}

// Reset disconnects; it lets the session tear the connection down on logout.
func (m *Manager) Reset(context.Context) error {
	return m.Disconnect()
}

// Emit sends an envelope on the open connection.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	t := m.transport
	open := m.state == Open
	m.mu.Unlock()
	if !open || t == nil {
		return ErrNotConnected
	}
	return errors.Wrapf(t.Emit(ctx, event, payload), "emit %s", event)
}

// abandonLocked invalidates in-flight work and returns the transport to close.
func (m *Manager) abandonLocked() Transport {
	m.gen++
	m.retry = clock.Stop(m.retry)
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	t := m.transport
	m.transport = nil
	m.attempt = 0
	m.err = nil
	return t
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	token := m.token
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	var timedOut atomic.Bool
	timeout := m.clock.AfterFunc(m.cfg.HandshakeTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	m.mu.Unlock()

	t, err := m.dialer.Dial(ctx, token)
	timeout.Stop()
	cancel()
	if err != nil && timedOut.Load() {
		err = &ConnectivityError{Kind: HandshakeTimeout, Err: err}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		closeTransport(t, m.log)
		return
	}
	m.cancel = nil
	if err != nil {
		evs := m.failLocked(gen, events.ConnectError{Attempt: m.attempt, Err: err})
		m.mu.Unlock()
		m.log.Debug().Err(err).Msg("handshake failed")
		m.publish(evs)
		return
	}
	retries := m.attempt
	m.state = Open
	m.attempt = 0
	m.transport = t
	m.mu.Unlock()

	if retries > 0 {
		m.log.Info().Int("attempts", retries).Msg("reconnected")
		m.bus.Publish(events.Reconnected{Attempts: retries})
	} else {
		m.log.Info().Msg("connected")
		m.bus.Publish(events.Connected{})
	}
	go m.readPump(gen, t)
}

// failLocked applies the retry policy after a failure and returns the events
// to publish once the lock is released.
func (m *Manager) failLocked(gen uint64, cause events.Event) []events.Event {
	evs := []events.Event{cause}
	if m.attempt < m.cfg.MaxAttempts {
		m.state = Reconnecting
		m.attempt++
		attempt := m.attempt
		m.retry = m.clock.AfterFunc(m.cfg.ReconnectDelay, func() {
			go m.retryDial(gen, attempt)
		})
		return evs
	}

	var last error
	switch e := cause.(type) {
	case events.ConnectError:
		last = e.Err
	case events.Disconnected:
		last = e.Err
	}
	m.state = Failed
	m.retry = nil
	m.err = &ConnectivityError{Kind: ReconnectExhausted, Err: last}
	m.log.Warn().Err(last).Int("attempts", m.attempt).Msg("giving up on gateway connection")
	return append(evs, events.ReconnectFailed{Err: m.err})
}

func (m *Manager) retryDial(gen uint64, attempt int) {
	m.mu.Lock()
	if gen != m.gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	m.bus.Publish(events.ReconnectAttempt{Attempt: attempt})
	m.dial(gen)
}

func (m *Manager) readPump(gen uint64, t Transport) {
	for env := range t.Events() {
		if e := decode(env, m.log); e != nil {
			m.bus.Publish(e)
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	lost := &ConnectivityError{Kind: TransportLost, Err: t.Err()}
	evs := m.failLocked(gen, events.Disconnected{Err: lost})
	m.mu.Unlock()

	m.log.Info().Err(t.Err()).Msg("connection lost")
	closeTransport(t, m.log)
	m.publish(evs)
}

func (m *Manager) publish(evs []events.Event) {
	for _, e := range evs {
		m.bus.Publish(e)
	}
}

func decode(env model.Envelope, log zerolog.Logger) events.Event {
	var (
		e   events.Event
		err error
	)
	switch env.Event {
	case model.EventNewMessage:
		var msg model.Message
		err = env.Decode(&msg)
		e = events.NewMessage{Message: msg}
	case model.EventTyping:
		var sig model.TypingSignal
		err = env.Decode(&sig)
		e = events.Typing{Signal: sig}
	case model.EventPresence:
		var p model.Presence
		err = env.Decode(&p)
		e = events.Presence{Presence: p}
	default:
		log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("event", env.Event).Msg("dropping malformed event")
		return nil
	}
	return e
}

func closeTransport(t Transport, log zerolog.Logger) error {
	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		log.Debug().Err(err).Msg("close transport")
		return err
	}
	return nil
}
