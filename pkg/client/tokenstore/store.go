// Package tokenstore reads and writes the bearer token and the login
// preferences kept next to it, and decodes the token's expiry claim.
package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mahaj/workspace-chat/pkg/auth"
)

const (
	keyToken           = "auth_token"
	keyRememberedEmail = "remembered_email"
	keyDeviceID        = "device_id"
)

var ErrNoToken = errors.New("no token stored")

// Store caches the token in memory on top of a persistent Storage. Only the
// session lifecycle writes through it; everyone else reads.
type Store struct {
	storage Storage

	mu     sync.Mutex
	token  string
	loaded bool
}

func New(storage Storage) *Store {
	return &Store{storage: storage}
}

// Token returns the stored token, or ErrNoToken.
func (s *Store) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		v, ok, err := s.storage.Get(ctx, keyToken)
		if err != nil {
			return "", err
		}
		if ok {
			s.token = v
		}
		s.loaded = true
	}
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

func (s *Store) Save(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("refusing to store an empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Set(ctx, keyToken, token); err != nil {
		return err
	}
	s.token, s.loaded = token, true
	return nil
}

// Clear forgets the token. The cached copy is dropped even when the
// persistent delete fails, so the process never keeps using it.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.loaded = "", true
	return s.storage.Delete(ctx, keyToken)
}

// Expiry decodes the exp claim of token.
func (s *Store) Expiry(token string) (time.Time, error) {
	return auth.DecodeExpiry(token)
}

// Valid reports whether a token is stored and unexpired at now.
func (s *Store) Valid(ctx context.Context, now time.Time) bool {
	token, err := s.Token(ctx)
	if err != nil {
		return false
	}
	exp, err := s.Expiry(token)
	if err != nil {
		return false
	}
	return exp.After(now)
}

func (s *Store) RememberedEmail(ctx context.Context) (string, error) {
	v, _, err := s.storage.Get(ctx, keyRememberedEmail)
	return v, err
}

func (s *Store) SetRememberedEmail(ctx context.Context, email string) error {
	return s.storage.Set(ctx, keyRememberedEmail, email)
}

func (s *Store) ForgetEmail(ctx context.Context) error {
	return s.storage.Delete(ctx, keyRememberedEmail)
}

// DeviceID returns a stable identifier for this installation, generating
// and persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	v, ok, err := s.storage.Get(ctx, keyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	id := uuid.NewString()
	if err := s.storage.Set(ctx, keyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}
