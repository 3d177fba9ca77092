// Package session owns authentication state on the client: login and logout,
// token validity, and the inactivity timeout with its warning/extension
// protocol.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/client/tokenstore"
	"github.com/mahaj/workspace-chat/pkg/clock"
	"github.com/mahaj/workspace-chat/pkg/model"
)

// Identity is the account service the session talks to. Calls other than
// Login and Register authenticate with the stored token.
type Identity interface {
	Login(ctx context.Context, email, password string) (string, model.Profile, error)
	Register(ctx context.Context, reg model.Registration) (model.Profile, error)
	CurrentUser(ctx context.Context) (model.Profile, error)
	UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (model.Profile, error)
	UpdatePassword(ctx context.Context, current, next string) (bool, error)
}

// Dependent is reset whenever the session ends (connection, caches).
type Dependent interface {
	Reset(ctx context.Context) error
}

type Config struct {
	IdleLimit         time.Duration
	WarnThreshold     time.Duration
	TickInterval      time.Duration
	CountdownInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleLimit:         30 * time.Minute,
		WarnThreshold:     25 * time.Minute,
		TickInterval:      60 * time.Second,
		CountdownInterval: time.Second,
	}
}

const (
	reasonLogout   = "logout"
	reasonIdle     = "idle limit reached"
	reasonExpired  = "token expired"
	reasonRejected = "identity rejected"
)

type Lifecycle struct {
	cfg      Config
	identity Identity
	tokens   *tokenstore.Store
	clock    clock.Clock
	log      zerolog.Logger

	mu             sync.Mutex
	authenticated  bool
	profile        model.Profile
	expiresAt      time.Time
	lastActivityAt time.Time
	warning        *Warning
	tick           clock.Timer
	countdown      clock.Timer
	// epoch invalidates timers that belong to an earlier session.
	epoch      uint64
	dependents []Dependent
	listeners  []func(Snapshot)
}

type Option func(*Lifecycle)

func WithConfig(cfg Config) Option { return func(l *Lifecycle) { l.cfg = cfg } }

func WithClock(c clock.Clock) Option { return func(l *Lifecycle) { l.clock = c } }

func WithLogger(log zerolog.Logger) Option { return func(l *Lifecycle) { l.log = log } }

func New(identity Identity, tokens *tokenstore.Store, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		cfg:      DefaultConfig(),
		identity: identity,
		tokens:   tokens,
		clock:    clock.Real(),
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With().Str("component", "session").Logger()
	return l
}

// AddDependent registers d to be reset on every logout.
func (l *Lifecycle) AddDependent(d Dependent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dependents = append(l.dependents, d)
}

// OnChange registers fn to receive a snapshot after every state transition.
// fn runs outside the session lock.
func (l *Lifecycle) OnChange(fn func(Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Login exchanges credentials for a token and starts a session. The returned
// error, if any, is always an *AuthError.
func (l *Lifecycle) Login(ctx context.Context, creds model.Credentials) (Snapshot, error) {
	token, profile, err := l.identity.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		l.log.Info().Err(err).Msg("login rejected")
		return Snapshot{}, mapLoginError(err)
	}

	snap, err := l.establish(ctx, token, profile)
	if err != nil {
		return Snapshot{}, err
	}

	if creds.Remember {
		err = l.tokens.SetRememberedEmail(ctx, creds.Email)
	} else {
		err = l.tokens.ForgetEmail(ctx)
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to update remembered email")
	}
	l.log.Info().Str("user_id", profile.ID).Time("expires_at", snap.ExpiresAt).Msg("logged in")
	return snap, nil
}

// Restore resumes a session from a stored token. Without a usable token it
// returns an unauthenticated snapshot and no error. If the identity service
// refuses the token, the token is discarded and an *AuthError returned.
func (l *Lifecycle) Restore(ctx context.Context) (Snapshot, error) {
	token, err := l.tokens.Token(ctx)
	if errors.Is(err, tokenstore.ErrNoToken) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, newAuthError(LoginFailed, err)
	}
	if !l.tokens.Valid(ctx, l.clock.Now()) {
		l.discardToken(ctx)
		return Snapshot{}, nil
	}

	profile, err := l.identity.CurrentUser(ctx)
	if err != nil {
		l.log.Info().Err(err).Msg("stored token refused, discarding")
		l.discardToken(ctx)
		return Snapshot{}, newAuthError(NotAuthenticated, err)
	}
	return l.establish(ctx, token, profile)
}

func (l *Lifecycle) establish(ctx context.Context, token string, profile model.Profile) (Snapshot, error) {
	exp, err := l.tokens.Expiry(token)
	if err != nil {
		return Snapshot{}, newAuthError(LoginFailed, err)
	}

	l.mu.Lock()
	now := l.clock.Now()
	if !exp.After(now) {
		l.mu.Unlock()
		return Snapshot{}, newAuthError(LoginFailed, errors.New("token already expired"))
	}
	if err := l.tokens.Save(ctx, token); err != nil {
		l.mu.Unlock()
		return Snapshot{}, newAuthError(LoginFailed, err)
	}
	l.stopTimersLocked()
	l.epoch++
	l.authenticated = true
	l.profile = profile
	l.expiresAt = exp
	l.lastActivityAt = now
	l.warning = nil
	l.scheduleTickLocked()
	snap := l.snapshotLocked(now)
	l.mu.Unlock()

	l.notify(snap)
	return snap, nil
}

// Register creates an account. It does not log in.
func (l *Lifecycle) Register(ctx context.Context, reg model.Registration) (model.Profile, error) {
	p, err := l.identity.Register(ctx, reg)
	if err != nil {
		return model.Profile{}, mapRegisterError(err, RegistrationFailed)
	}
	return p, nil
}

// RecordActivity marks user activity now and clears an active warning.
func (l *Lifecycle) RecordActivity() {
	l.mu.Lock()
	if !l.authenticated {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	if reason := l.expiredLocked(now); reason != "" {
		l.forceLogoutLocked(reason)
		return
	}
	l.lastActivityAt = now
	hadWarning := l.warning != nil
	l.warning = nil
	l.countdown = clock.Stop(l.countdown)
	snap := l.snapshotLocked(now)
	l.mu.Unlock()

	if hadWarning {
		l.log.Debug().Msg("session extended")
		l.notify(snap)
	}
}

// Extend answers the timeout warning; it is RecordActivity by another name.
func (l *Lifecycle) Extend() {
	l.RecordActivity()
}

// Logout ends the session. Local state and the stored token are cleared
// before dependents are reset; it returns false if any cleanup step failed.
func (l *Lifecycle) Logout(ctx context.Context) bool {
	l.mu.Lock()
	tokenErr := l.endLocked(ctx)
	l.mu.Unlock()
	return l.teardown(ctx, reasonLogout, tokenErr)
}

// Refresh re-fetches the current identity. A refusal ends the session.
func (l *Lifecycle) Refresh(ctx context.Context) (Snapshot, error) {
	if !l.Authenticated() {
		return Snapshot{}, ErrNotAuthenticated
	}
	profile, err := l.identity.CurrentUser(ctx)
	if err != nil {
		l.mu.Lock()
		l.forceLogoutLocked(reasonRejected)
		return Snapshot{}, newAuthError(NotAuthenticated, err)
	}
	return l.updateProfile(profile), nil
}

// UpdateProfile changes profile fields and records activity.
func (l *Lifecycle) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (model.Profile, error) {
	if !l.Authenticated() {
		return model.Profile{}, ErrNotAuthenticated
	}
	p, err := l.identity.UpdateProfile(ctx, upd)
	if err != nil {
		if l.handleRejection(err) {
			return model.Profile{}, newAuthError(NotAuthenticated, err)
		}
		return model.Profile{}, mapRegisterError(err, UpdateFailed)
	}
	l.updateProfile(p)
	l.RecordActivity()
	return p, nil
}

// UpdatePassword changes the password of the logged-in account.
func (l *Lifecycle) UpdatePassword(ctx context.Context, current, next string) error {
	if !l.Authenticated() {
		return ErrNotAuthenticated
	}
	ok, err := l.identity.UpdatePassword(ctx, current, next)
	if err != nil {
		if l.handleRejection(err) {
			return newAuthError(NotAuthenticated, err)
		}
		m := mapLoginError(err)
		if m.Kind == LoginFailed {
			m.Kind = UpdateFailed
		}
		return m
	}
	if !ok {
		return newAuthError(UpdateFailed, errors.New("password change refused"))
	}
	l.RecordActivity()
	return nil
}

// Snapshot returns the current session state. An expired or idle-timed-out
// session is torn down here rather than reported as authenticated.
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	now := l.clock.Now()
	if l.authenticated {
		if reason := l.expiredLocked(now); reason != "" {
			l.forceLogoutLocked(reason)
			return Snapshot{}
		}
	}
	snap := l.snapshotLocked(now)
	l.mu.Unlock()
	return snap
}

func (l *Lifecycle) Authenticated() bool {
	return l.Snapshot().Authenticated
}

// IsTokenValid reports whether a decodable, unexpired token is stored.
func (l *Lifecycle) IsTokenValid(ctx context.Context) bool {
	return l.tokens.Valid(ctx, l.clock.Now())
}

// Token returns the bearer token of the current session.
func (l *Lifecycle) Token(ctx context.Context) (string, error) {
	if !l.Authenticated() {
		return "", ErrNotAuthenticated
	}
	return l.tokens.Token(ctx)
}

func (l *Lifecycle) updateProfile(p model.Profile) Snapshot {
	l.mu.Lock()
	l.profile = p
	snap := l.snapshotLocked(l.clock.Now())
	l.mu.Unlock()
	l.notify(snap)
	return snap
}

func (l *Lifecycle) handleRejection(err error) bool {
	if !rejected(err) {
		return false
	}
	l.mu.Lock()
	l.forceLogoutLocked(reasonRejected)
	return true
}

func (l *Lifecycle) discardToken(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.tokens.Clear(ctx); err != nil {
		l.log.Warn().Err(err).Msg("failed to discard stored token")
	}
}

func (l *Lifecycle) expiredLocked(now time.Time) string {
	if !now.Before(l.expiresAt) {
		return reasonExpired
	}
	if now.Sub(l.lastActivityAt) >= l.cfg.IdleLimit {
		return reasonIdle
	}
	return ""
}

func (l *Lifecycle) scheduleTickLocked() {
	epoch := l.epoch
	l.tick = l.clock.AfterFunc(l.cfg.TickInterval, func() { l.onTick(epoch) })
}

func (l *Lifecycle) onTick(epoch uint64) {
	l.mu.Lock()
	if epoch != l.epoch || !l.authenticated {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	if reason := l.expiredLocked(now); reason != "" {
		l.forceLogoutLocked(reason)
		return
	}

	var opened *Snapshot
	if now.Sub(l.lastActivityAt) >= l.cfg.WarnThreshold && l.warning == nil {
		l.warning = &Warning{TriggerAt: now, ExpiresAt: l.lastActivityAt.Add(l.cfg.IdleLimit)}
		l.scheduleCountdownLocked()
		snap := l.snapshotLocked(now)
		opened = &snap
	}
	l.scheduleTickLocked()
	l.mu.Unlock()

	if opened != nil {
		l.log.Info().Time("expires_at", opened.Warning.ExpiresAt).Msg("inactivity warning")
		l.notify(*opened)
	}
}

func (l *Lifecycle) scheduleCountdownLocked() {
	epoch, w := l.epoch, l.warning
	l.countdown = l.clock.AfterFunc(l.cfg.CountdownInterval, func() { l.onCountdown(epoch, w) })
}

func (l *Lifecycle) onCountdown(epoch uint64, w *Warning) {
	l.mu.Lock()
	if epoch != l.epoch || l.warning != w {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	if w.ExpiresAt.Sub(now) <= 0 {
		l.forceLogoutLocked(reasonIdle)
		return
	}
	if reason := l.expiredLocked(now); reason != "" {
		l.forceLogoutLocked(reason)
		return
	}
	l.scheduleCountdownLocked()
	snap := l.snapshotLocked(now)
	l.mu.Unlock()
	l.notify(snap)
}

// forceLogoutLocked ends the session and releases l.mu before resetting
// dependents.
func (l *Lifecycle) forceLogoutLocked(reason string) {
	ctx := context.Background()
	tokenErr := l.endLocked(ctx)
	l.mu.Unlock()
	l.teardown(ctx, reason, tokenErr)
}

func (l *Lifecycle) endLocked(ctx context.Context) error {
	l.stopTimersLocked()
	l.epoch++
	l.authenticated = false
	l.profile = model.Profile{}
	l.expiresAt = time.Time{}
	l.warning = nil
	return l.tokens.Clear(ctx)
}

func (l *Lifecycle) teardown(ctx context.Context, reason string, tokenErr error) bool {
	ok := true
	if tokenErr != nil {
		ok = false
		l.log.Error().Err(tokenErr).Msg("failed to clear stored token")
	}

	l.mu.Lock()
	deps := append([]Dependent(nil), l.dependents...)
	l.mu.Unlock()
	for _, d := range deps {
		if err := d.Reset(ctx); err != nil {
			ok = false
			l.log.Error().Err(err).Msg("failed to reset dependent")
		}
	}

	l.log.Info().Str("reason", reason).Bool("clean", ok).Msg("session ended")
	l.notify(Snapshot{})
	return ok
}

func (l *Lifecycle) stopTimersLocked() {
	l.tick = clock.Stop(l.tick)
	l.countdown = clock.Stop(l.countdown)
}

func (l *Lifecycle) notify(s Snapshot) {
	l.mu.Lock()
	ls := make([]func(Snapshot), len(l.listeners))
	copy(ls, l.listeners)
	l.mu.Unlock()
	for _, fn := range ls {
		fn(s)
	}
}
