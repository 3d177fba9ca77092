package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/workspace-chat/pkg/auth"
	"github.com/mahaj/workspace-chat/pkg/db"
	"github.com/mahaj/workspace-chat/pkg/model"
)

type memUsers struct {
	mu   sync.Mutex
	byID map[string]db.User
}

func newMemUsers() *memUsers { return &memUsers{byID: map[string]db.User{}} }

func (m *memUsers) Create(_ context.Context, u db.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.Username == u.Username {
			return db.ErrUsernameTaken
		}
		if existing.Email == u.Email {
			return db.ErrEmailTaken
		}
	}
	m.byID[u.ID] = u
	return nil
}

func (m *memUsers) ByID(_ context.Context, id string) (db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return db.User{}, db.ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) ByEmail(_ context.Context, email string) (db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return db.User{}, db.ErrUserNotFound
}

func (m *memUsers) Update(_ context.Context, u db.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.byID {
		if id != u.ID && existing.Username == u.Username {
			return db.ErrUsernameTaken
		}
	}
	m.byID[u.ID] = u
	return nil
}

func (m *memUsers) SetPassword(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.byID[id]
	u.PasswordHash = hash
	m.byID[id] = u
	return nil
}

type memMessages struct {
	mu       sync.Mutex
	channels map[string][]model.Message
	read     []string
}

func (m *memMessages) History(_ context.Context, channelID string, limit, offset int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.channels[channelID]
	end := len(all) - offset
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]model.Message(nil), all[start:end]...), nil
}

func (m *memMessages) Conversations(_ context.Context, userID string) ([]model.Conversation, error) {
	return []model.Conversation{{UserID: userID, OtherUserID: "bob", UnreadCount: 2}}, nil
}

func (m *memMessages) MarkRead(_ context.Context, userID, other string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, userID+"->"+other)
	return nil
}

type memPresence map[string][]string

func (p memPresence) ChannelUsers(_ context.Context, channelID string) ([]string, error) {
	return p[channelID], nil
}

type fixture struct {
	srv      *httptest.Server
	users    *memUsers
	messages *memMessages
	signer   *auth.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:    newMemUsers(),
		messages: &memMessages{channels: map[string][]model.Message{}},
		signer:   auth.NewSigner("test-secret", time.Hour),
	}
	s := NewServer(f.users, f.messages, memPresence{"general": {"alice", "bob"}}, f.signer, bcrypt.MinCost, zerolog.Nop())
	f.srv = httptest.NewServer(s.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = strings.NewReader(string(raw))
	} else {
		rdr = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) register(t *testing.T, username, email, password string) model.Profile {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/register", "", model.Registration{Username: username, Email: email, Password: password})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p model.Profile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func (f *fixture) login(t *testing.T, email, password string) model.LoginResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/login", "", model.Credentials{Email: email, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr model.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	return lr
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, "alice", "Alice@Example.com", "correct-horse")
	assert.Equal(t, "alice@example.com", p.Email)
	assert.NotEmpty(t, p.ID)

	lr := f.login(t, "alice@example.com", "correct-horse")
	assert.Equal(t, p.ID, lr.Profile.ID)

	claims, err := f.signer.ValidateToken(lr.Token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.UserID)
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "alice@example.com", "correct-horse")

	tests := []struct {
		name  string
		creds model.Credentials
		code  int
		text  string
	}{
		{"unknown email", model.Credentials{Email: "nobody@example.com", Password: "x"}, http.StatusUnauthorized, "user not found"},
		{"wrong password", model.Credentials{Email: "alice@example.com", Password: "wrong-one"}, http.StatusUnauthorized, "incorrect password"},
		{"missing fields", model.Credentials{}, http.StatusBadRequest, "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/login", "", tt.creds)
			assert.Equal(t, tt.code, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.text)
		})
	}
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "alice@example.com", "correct-horse")

	resp := f.do(t, http.MethodPost, "/register", "", model.Registration{Username: "alice", Email: "other@example.com", Password: "correct-horse"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/register", "", model.Registration{Username: "alice2", Email: "alice@example.com", Password: "correct-horse"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/register", "", model.Registration{Username: "carol", Email: "carol@example.com", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/me", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/me", "not-a-jwt", nil).StatusCode)
}

func TestMeReadAndUpdate(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "alice@example.com", "correct-horse")
	f.register(t, "bob", "bob@example.com", "correct-horse")
	token := f.login(t, "alice@example.com", "correct-horse").Token

	resp := f.do(t, http.MethodGet, "/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p model.Profile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, "alice", p.Username)

	name := "Alice A."
	resp = f.do(t, http.MethodPut, "/me", token, model.ProfileUpdate{DisplayName: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, name, p.DisplayName)

	taken := "bob"
	resp = f.do(t, http.MethodPut, "/me", token, model.ProfileUpdate{Username: &taken})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPasswordChange(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "alice@example.com", "correct-horse")
	token := f.login(t, "alice@example.com", "correct-horse").Token

	resp := f.do(t, http.MethodPut, "/me/password", token, model.PasswordChange{CurrentPassword: "wrong-one", NewPassword: "battery-staple"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/me/password", token, model.PasswordChange{CurrentPassword: "correct-horse", NewPassword: "battery-staple"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out["updated"])

	f.login(t, "alice@example.com", "battery-staple")
}

func TestHistoryPagingAndDMAccess(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "alice@example.com", "correct-horse")
	token := f.login(t, "alice@example.com", "correct-horse").Token

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		f.messages.channels["general"] = append(f.messages.channels["general"], model.Message{
			ID: int64(i), ChannelID: "general", Content: "m", Type: model.TypeMessage, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	resp := f.do(t, http.MethodGet, "/history?channel_id=general&limit=2&offset=1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []model.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].ID)
	assert.Equal(t, int64(4), msgs[1].ID)

	resp = f.do(t, http.MethodGet, "/history?channel_id=empty", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	assert.Empty(t, msgs)

	resp = f.do(t, http.MethodGet, "/history?channel_id=dm:bob:carol", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/history?channel_id="+model.DMChannelID(alice.ID, "bob"), token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/history?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPresenceConversationsAndRead(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "alice@example.com", "correct-horse")
	token := f.login(t, "alice@example.com", "correct-horse").Token

	resp := f.do(t, http.MethodGet, "/channels/general/users", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Equal(t, []string{"alice", "bob"}, users)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/channels/general", token, nil).StatusCode)

	resp = f.do(t, http.MethodGet, "/conversations", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs []model.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, int64(2), convs[0].UnreadCount)

	resp = f.do(t, http.MethodPost, "/conversations/read", token, model.ReadRequest{OtherUserID: "bob"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{alice.ID + "->bob"}, f.messages.read)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodOptions, "/me", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
