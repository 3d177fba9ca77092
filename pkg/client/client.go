// Package client wires the session lifecycle, the gateway connection and the
// channel timelines into the surface a chat front end drives.
package client

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/workspace-chat/pkg/client/api"
	"github.com/mahaj/workspace-chat/pkg/client/connection"
	"github.com/mahaj/workspace-chat/pkg/client/events"
	"github.com/mahaj/workspace-chat/pkg/client/session"
	"github.com/mahaj/workspace-chat/pkg/client/timeline"
	"github.com/mahaj/workspace-chat/pkg/client/tokenstore"
	"github.com/mahaj/workspace-chat/pkg/clock"
	"github.com/mahaj/workspace-chat/pkg/config"
	"github.com/mahaj/workspace-chat/pkg/model"
)

// Deps are the collaborators behind the core. Tokens, Clock and Log are
// optional; Tokens must wrap Storage when the Identity reads from it.
type Deps struct {
	Identity session.Identity
	History  timeline.History
	Dialer   connection.Dialer
	Storage  tokenstore.Storage
	Tokens   *tokenstore.Store
	Clock    clock.Clock
	Log      zerolog.Logger
}

type Client struct {
	cfg       config.Client
	log       zerolog.Logger
	storage   tokenstore.Storage
	tokens    *tokenstore.Store
	bus       *events.Bus
	session   *session.Lifecycle
	conn      *connection.Manager
	timelines *timeline.Synchronizer

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// New builds the core and starts its event loops. Call Close when done.
func New(cfg config.Client, deps Deps) *Client {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := deps.Log

	tokens := deps.Tokens
	if tokens == nil {
		tokens = tokenstore.New(deps.Storage)
	}
	bus := events.NewBus()

	conn := connection.New(deps.Dialer, bus,
		connection.WithClock(clk),
		connection.WithLogger(log),
		connection.WithConfig(connection.Config{
			ReconnectDelay:   cfg.ReconnectDelay,
			MaxAttempts:      cfg.ReconnectAttempts,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}),
	)
	tl := timeline.New(deps.History, conn,
		timeline.WithClock(clk),
		timeline.WithLogger(log),
		timeline.WithConfig(timeline.Config{
			TypingStopDelay: cfg.TypingStopDelay,
			RemoteTypingTTL: cfg.RemoteTypingTTL,
		}),
	)
	sess := session.New(deps.Identity, tokens,
		session.WithClock(clk),
		session.WithLogger(log),
		session.WithConfig(session.Config{
			IdleLimit:         cfg.IdleLimit,
			WarnThreshold:     cfg.WarnThreshold,
			TickInterval:      cfg.TickInterval,
			CountdownInterval: cfg.CountdownInterval,
		}),
	)
	sess.AddDependent(conn)
	sess.AddDependent(tl)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	c := &Client{
		cfg:       cfg,
		log:       log.With().Str("component", "client").Logger(),
		storage:   deps.Storage,
		tokens:    tokens,
		bus:       bus,
		session:   sess,
		conn:      conn,
		timelines: tl,
		cancel:    cancel,
		group:     group,
	}

	timelineSub := bus.Subscribe(cfg.SubscriptionBuffer)
	connSub := bus.Subscribe(cfg.SubscriptionBuffer)
	group.Go(func() error {
		defer timelineSub.Close()
		if err := tl.Run(ctx, timelineSub); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		defer connSub.Close()
		c.watchConnection(ctx, connSub)
		return nil
	})
	return c
}

// Open builds a core backed by the SQLite credential store, the HTTP API and
// the websocket gateway named in cfg.
func Open(cfg config.Client, log zerolog.Logger) (*Client, error) {
	storage, err := tokenstore.OpenSQLite(cfg.CredentialsDB)
	if err != nil {
		return nil, err
	}
	tokens := tokenstore.New(storage)
	httpClient := api.New(cfg.APIURL, tokens, api.WithTimeout(cfg.HTTPRequestTimeout), api.WithLogger(log))
	return New(cfg, Deps{
		Identity: httpClient,
		History:  httpClient,
		Dialer:   &connection.WebsocketDialer{URL: cfg.GatewayURL, Log: log},
		Storage:  storage,
		Tokens:   tokens,
		Log:      log,
	}), nil
}

// Start resumes a stored session, connecting if it is still valid.
func (c *Client) Start(ctx context.Context) (session.Snapshot, error) {
	snap, err := c.session.Restore(ctx)
	if err != nil || !snap.Authenticated {
		return snap, err
	}
	return snap, c.connect(ctx, snap)
}

func (c *Client) Login(ctx context.Context, creds model.Credentials) (session.Snapshot, error) {
	snap, err := c.session.Login(ctx, creds)
	if err != nil {
		return snap, err
	}
	return snap, c.connect(ctx, snap)
}

func (c *Client) Register(ctx context.Context, reg model.Registration) (model.Profile, error) {
	return c.session.Register(ctx, reg)
}

// Logout ends the session, dropping the connection and every timeline.
func (c *Client) Logout(ctx context.Context) bool {
	return c.session.Logout(ctx)
}

func (c *Client) ExtendSession() { c.session.Extend() }

func (c *Client) RecordActivity() { c.session.RecordActivity() }

func (c *Client) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (model.Profile, error) {
	return c.session.UpdateProfile(ctx, upd)
}

func (c *Client) UpdatePassword(ctx context.Context, current, next string) error {
	return c.session.UpdatePassword(ctx, current, next)
}

// RememberedEmail returns the email saved by a login with Remember set.
func (c *Client) RememberedEmail(ctx context.Context) (string, error) {
	return c.tokens.RememberedEmail(ctx)
}

// Reconnect dials the gateway again, typically after the connection gave
// up. Open channels are rejoined once it is up.
func (c *Client) Reconnect(ctx context.Context) error {
	if !c.session.Authenticated() {
		return session.ErrNotAuthenticated
	}
	return c.connect(ctx, c.Session())
}

func (c *Client) connect(ctx context.Context, snap session.Snapshot) error {
	token, err := c.session.Token(ctx)
	if err != nil {
		return err
	}
	c.timelines.SetLocalUser(snap.Profile.ID)
	return c.conn.Connect(token)
}

// OpenChannel starts a timeline for channelID, joins it on the gateway and
// loads the first history page.
func (c *Client) OpenChannel(ctx context.Context, channelID string) (timeline.Timeline, error) {
	if !c.session.Authenticated() {
		return timeline.Timeline{}, session.ErrNotAuthenticated
	}
	c.session.RecordActivity()
	c.timelines.Open(channelID)
	c.join(ctx, channelID)

	if _, err := c.timelines.LoadHistory(ctx, channelID, c.cfg.HistoryPageSize, 0); err != nil && !errors.Is(err, timeline.ErrSuperseded) {
		tl, _ := c.timelines.Timeline(channelID)
		return tl, err
	}
	tl, _ := c.timelines.Timeline(channelID)
	return tl, nil
}

// LoadHistory reloads a page of an open channel.
func (c *Client) LoadHistory(ctx context.Context, channelID string, offset int) ([]model.Message, error) {
	return c.timelines.LoadHistory(ctx, channelID, c.cfg.HistoryPageSize, offset)
}

func (c *Client) CloseChannel(ctx context.Context, channelID string) {
	c.timelines.Close(ctx, channelID)
	if err := c.conn.Emit(ctx, model.EventLeaveChannel, model.ChannelRequest{ChannelID: channelID}); err != nil {
		c.log.Debug().Err(err).Str("channel_id", channelID).Msg("leave not sent")
	}
}

// SendMessage posts to channelID and ends any typing indication there.
func (c *Client) SendMessage(ctx context.Context, channelID, content string, attachments ...model.Attachment) error {
	c.session.RecordActivity()
	if err := c.conn.Emit(ctx, model.EventSendMessage, model.SendMessage{
		ChannelID:   channelID,
		Content:     content,
		Attachments: attachments,
	}); err != nil {
		return err
	}
	if err := c.timelines.StopTyping(ctx, channelID); err != nil && !errors.Is(err, timeline.ErrChannelNotOpen) {
		c.log.Debug().Err(err).Msg("typing stop not sent")
	}
	return nil
}

// SetTyping records a keystroke (typing true) or an explicit stop.
func (c *Client) SetTyping(ctx context.Context, channelID string, typing bool) error {
	c.session.RecordActivity()
	if typing {
		return c.timelines.Keystroke(ctx, channelID)
	}
	return c.timelines.StopTyping(ctx, channelID)
}

func (c *Client) Session() session.Snapshot { return c.session.Snapshot() }

// OnSessionChange registers fn for every session transition, including the
// warning countdown.
func (c *Client) OnSessionChange(fn func(session.Snapshot)) { c.session.OnChange(fn) }

func (c *Client) ConnectionState() connection.State { return c.conn.State() }

// ConnectionErr is non-nil once reconnection has been given up.
func (c *Client) ConnectionErr() error { return c.conn.Err() }

func (c *Client) Timeline(channelID string) (timeline.Timeline, bool) {
	return c.timelines.Timeline(channelID)
}

// Subscribe returns a stream of connection and live events. The subscriber
// must drain it; a full subscription holds up delivery to everyone.
func (c *Client) Subscribe(buffer int) *events.Subscription {
	return c.bus.Subscribe(buffer)
}

// Close stops the event loops and the connection. The session and its
// stored token are left intact for the next Start.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.group.Wait()
		if cerr := c.conn.Disconnect(); cerr != nil && err == nil {
			err = cerr
		}
		if closer, ok := c.storage.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (c *Client) watchConnection(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			switch e := e.(type) {
			case events.Connected, events.Reconnected:
				for _, id := range c.timelines.Opened() {
					c.join(ctx, id)
				}
			case events.ReconnectFailed:
				c.log.Warn().Err(e.Err).Msg("gateway unreachable")
			}
		}
	}
}

func (c *Client) join(ctx context.Context, channelID string) {
	err := c.conn.Emit(ctx, model.EventJoinChannel, model.ChannelRequest{ChannelID: channelID})
	if err != nil && !errors.Is(err, connection.ErrNotConnected) {
		c.log.Debug().Err(err).Str("channel_id", channelID).Msg("join not sent")
	}
}
