// Package api is the HTTP client for the chat API service. It implements the
// identity and history collaborators used by the client core.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StatusError is a non-2xx reply. Message is the server's plain-text body.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *StatusError) StatusCode() int { return e.Code }

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

func WithLogger(log zerolog.Logger) Option { return func(c *Client) { c.log = log } }

func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("component", "api").Logger()
	return c
}

func (c *Client) Login(ctx context.Context, email, password string) (string, model.Profile, error) {
	var resp model.LoginResponse
	err := c.do(ctx, http.MethodPost, "/login", false, model.Credentials{Email: email, Password: password}, &resp)
	if err != nil {
		return "", model.Profile{}, err
	}
	if resp.Token == "" {
		return "", model.Profile{}, errors.New("login response carried no token")
	}
	return resp.Token, resp.Profile, nil
}

func (c *Client) Register(ctx context.Context, reg model.Registration) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, http.MethodPost, "/register", false, reg, &p)
	return p, err
}

func (c *Client) CurrentUser(ctx context.Context) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, http.MethodGet, "/me", true, nil, &p)
	return p, err
}

func (c *Client) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, http.MethodPut, "/me", true, upd, &p)
	return p, err
}

func (c *Client) UpdatePassword(ctx context.Context, current, next string) (bool, error) {
	var resp struct {
		Updated bool `json:"updated"`
	}
	err := c.do(ctx, http.MethodPut, "/me/password", true, model.PasswordChange{CurrentPassword: current, NewPassword: next}, &resp)
	return resp.Updated, err
}

// FetchChannelMessages returns a page of channel history, oldest first.
func (c *Client) FetchChannelMessages(ctx context.Context, channelID string, limit, offset int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("channel_id", channelID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var msgs []model.Message
	err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), true, nil, &msgs)
	return msgs, err
}

// ChannelUsers lists the users currently present in a channel.
func (c *Client) ChannelUsers(ctx context.Context, channelID string) ([]string, error) {
	var users []string
	err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/users", true, nil, &users)
	return users, err
}

func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations", true, nil, &convs)
	return convs, err
}

// MarkRead resets the unread counter of the DM with otherUserID.
func (c *Client) MarkRead(ctx context.Context, otherUserID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/read", true, model.ReadRequest{OtherUserID: otherUserID}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, authed bool, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return errors.Wrap(err, "no bearer token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request failed")
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}
