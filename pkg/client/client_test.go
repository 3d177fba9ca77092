package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/workspace-chat/pkg/client/connection"
	"github.com/mahaj/workspace-chat/pkg/client/events"
	"github.com/mahaj/workspace-chat/pkg/client/session"
	"github.com/mahaj/workspace-chat/pkg/client/tokenstore"
	"github.com/mahaj/workspace-chat/pkg/clock"
	"github.com/mahaj/workspace-chat/pkg/config"
	"github.com/mahaj/workspace-chat/pkg/model"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

type identity struct {
	token   string
	profile model.Profile
}

func (i *identity) Login(_ context.Context, email, password string) (string, model.Profile, error) {
	if email != i.profile.Email {
		return "", model.Profile{}, errors.New("user not found")
	}
	return i.token, i.profile, nil
}

func (i *identity) Register(context.Context, model.Registration) (model.Profile, error) {
	return model.Profile{}, errors.New("username already taken")
}

func (i *identity) CurrentUser(context.Context) (model.Profile, error) { return i.profile, nil }

func (i *identity) UpdateProfile(context.Context, model.ProfileUpdate) (model.Profile, error) {
	return i.profile, nil
}

func (i *identity) UpdatePassword(context.Context, string, string) (bool, error) { return true, nil }

type history struct{}

func (history) FetchChannelMessages(_ context.Context, channelID string, _, _ int) ([]model.Message, error) {
	return []model.Message{
		{ID: 2, ChannelID: channelID, Timestamp: start.Add(-time.Minute)},
		{ID: 1, ChannelID: channelID, Timestamp: start.Add(-time.Hour)},
	}, nil
}

type transport struct {
	in chan model.Envelope

	mu     sync.Mutex
	out    []model.Envelope
	closed bool
}

func (t *transport) Emit(_ context.Context, event string, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, env)
	return nil
}

func (t *transport) Events() <-chan model.Envelope { return t.in }
func (t *transport) Err() error                    { return nil }

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.in)
	}
	return nil
}

func (t *transport) sent(event string) []model.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Envelope
	for _, e := range t.out {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type dialer struct {
	mu         sync.Mutex
	transports []*transport
	failures   int
}

func (d *dialer) Dial(context.Context, string) (connection.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	t := &transport{in: make(chan model.Envelope, 16)}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *dialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *dialer) last() *transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func testConfig() config.Client {
	return config.Client{
		APIURL:             "http://api",
		GatewayURL:         "ws://gw",
		IdleLimit:          30 * time.Minute,
		WarnThreshold:      25 * time.Minute,
		TickInterval:       time.Minute,
		CountdownInterval:  time.Second,
		ReconnectDelay:     time.Second,
		ReconnectAttempts:  5,
		HandshakeTimeout:   10 * time.Second,
		TypingStopDelay:    2 * time.Second,
		HistoryPageSize:    50,
		SubscriptionBuffer: 64,
	}
}

type fixture struct {
	c       *Client
	clk     *clock.Virtual
	dialer  *dialer
	storage *tokenstore.MemoryStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(start.Add(24 * time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	f := &fixture{clk: clock.NewVirtual(start), dialer: &dialer{}, storage: tokenstore.NewMemoryStorage()}
	f.c = New(testConfig(), Deps{
		Identity: &identity{token: tok, profile: model.Profile{ID: "me", Email: "me@example.com"}},
		History:  history{},
		Dialer:   f.dialer,
		Storage:  f.storage,
		Clock:    f.clk,
	})
	t.Cleanup(func() { _ = f.c.Close() })
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	_, err := f.c.Login(context.Background(), model.Credentials{Email: "me@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.c.ConnectionState() == connection.Open }, waitFor, 5*time.Millisecond)
}

func TestLoginConnectsAndChannelsSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.OpenChannel(ctx, "general")
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	f.login(t)
	tl, err := f.c.OpenChannel(ctx, "general")
	require.NoError(t, err)
	require.Len(t, tl.Messages, 2)
	assert.Equal(t, int64(1), tl.Messages[0].ID)

	tr := f.dialer.last()
	assert.NotEmpty(t, tr.sent(model.EventJoinChannel))

	env, err := model.NewEnvelope(model.EventNewMessage, model.Message{ID: 3, ChannelID: "general", Timestamp: start})
	require.NoError(t, err)
	tr.in <- env
	tr.in <- env
	env, err = model.NewEnvelope(model.EventTyping, model.TypingSignal{ChannelID: "general", UserID: "me", IsTyping: true})
	require.NoError(t, err)
	tr.in <- env

	require.Eventually(t, func() bool {
		tl, _ := f.c.Timeline("general")
		return len(tl.Messages) == 3
	}, waitFor, 5*time.Millisecond)
	tl, _ = f.c.Timeline("general")
	assert.Empty(t, tl.Typing, "own typing signal is ignored")
}

func TestSendMessageAndTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.ErrorIs(t, f.c.SendMessage(ctx, "general", "hi"), connection.ErrNotConnected)

	f.login(t)
	_, err := f.c.OpenChannel(ctx, "general")
	require.NoError(t, err)

	require.NoError(t, f.c.SetTyping(ctx, "general", true))
	require.NoError(t, f.c.SetTyping(ctx, "general", true))
	require.NoError(t, f.c.SendMessage(ctx, "general", "hi", model.Attachment{Name: "a.png", URL: "https://x/a.png"}))

	tr := f.dialer.last()
	sends := tr.sent(model.EventSendMessage)
	require.Len(t, sends, 1)
	var out model.SendMessage
	require.NoError(t, sends[0].Decode(&out))
	assert.Equal(t, "hi", out.Content)
	require.Len(t, out.Attachments, 1)

	typing := tr.sent(model.EventTyping)
	require.Len(t, typing, 2)
	var sig model.TypingSignal
	require.NoError(t, typing[1].Decode(&sig))
	assert.False(t, sig.IsTyping)
}

func TestReconnectRejoinsOpenChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t)
	_, err := f.c.OpenChannel(ctx, "general")
	require.NoError(t, err)
	_, err = f.c.OpenChannel(ctx, "random")
	require.NoError(t, err)

	sub := f.c.Subscribe(16)
	defer sub.Close()

	first := f.dialer.last()
	first.Close()
	require.Eventually(t, func() bool { return f.c.ConnectionState() == connection.Reconnecting }, waitFor, 5*time.Millisecond)
	f.clk.Advance(time.Second)

	for {
		if _, ok := (<-sub.C).(events.Reconnected); ok {
			break
		}
	}
	second := f.dialer.last()
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool { return len(second.sent(model.EventJoinChannel)) == 2 }, waitFor, 5*time.Millisecond)
}

func TestReconnectAfterGivingUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.ErrorIs(t, f.c.Reconnect(ctx), session.ErrNotAuthenticated)

	f.login(t)
	_, err := f.c.OpenChannel(ctx, "general")
	require.NoError(t, err)

	first := f.dialer.last()
	f.dialer.failNext(5)
	first.Close()
	for i := 1; i <= 5; i++ {
		require.Eventually(t, func() bool {
			return f.c.ConnectionState() == connection.Reconnecting && f.c.conn.Attempt() == i
		}, waitFor, 5*time.Millisecond)
		f.clk.Advance(time.Second)
	}
	require.Eventually(t, func() bool { return f.c.ConnectionState() == connection.Failed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, f.c.ConnectionErr(), connection.ErrReconnectExhausted)

	require.NoError(t, f.c.Reconnect(ctx))
	require.Eventually(t, func() bool { return f.c.ConnectionState() == connection.Open }, waitFor, 5*time.Millisecond)
	assert.NoError(t, f.c.ConnectionErr())

	second := f.dialer.last()
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool { return len(second.sent(model.EventJoinChannel)) == 1 }, waitFor, 5*time.Millisecond)
}

func TestIdleTimeoutTearsEverythingDown(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	_, err := f.c.OpenChannel(context.Background(), "general")
	require.NoError(t, err)

	f.clk.Advance(25 * time.Minute)
	assert.Equal(t, session.AuthenticatedWarning, f.c.Session().State)

	f.c.ExtendSession()
	assert.Equal(t, session.Authenticated, f.c.Session().State)

	f.clk.Advance(30 * time.Minute)
	assert.False(t, f.c.Session().Authenticated)
	assert.Equal(t, connection.Idle, f.c.ConnectionState())
	_, ok := f.c.Timeline("general")
	assert.False(t, ok)
}

func TestLogoutAndRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t)

	assert.True(t, f.c.Logout(ctx))
	assert.Equal(t, connection.Idle, f.c.ConnectionState())
	snap, err := f.c.Start(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Authenticated, "logout leaves no token to resume")

	f.login(t)
	require.NoError(t, f.c.Close())

	// a fresh core over the same storage resumes the session
	again := New(testConfig(), Deps{
		Identity: &identity{profile: model.Profile{ID: "me"}},
		History:  history{},
		Dialer:   f.dialer,
		Storage:  f.storage,
		Clock:    f.clk,
	})
	defer again.Close()
	snap, err = again.Start(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	require.Eventually(t, func() bool { return again.ConnectionState() == connection.Open }, waitFor, 5*time.Millisecond)
}

func TestRegisterMapsErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Register(context.Background(), model.Registration{Username: "me"})
	assert.ErrorIs(t, err, session.ErrUsernameTaken)
}
