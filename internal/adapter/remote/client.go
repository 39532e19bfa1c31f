// Package remote is the client-side Data Backend Adapter: it speaks the
// server's HTTP API, keeps the token session in local storage, refreshes it
// transparently and consumes the change stream over Server-Sent Events.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

const sessionKey = "session"

// Client implements port.Backend against a barnstaff server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stream  *http.Client
	storage *DirStorage
	logger  *slog.Logger
	now     func() time.Time

	refreshMargin time.Duration
	newBackoff    func() *backoff.ExponentialBackOff

	mu        sync.Mutex
	listeners map[int]port.SessionListener
	seq       int

	refreshes singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReconnectBackoff bounds the change-stream reconnect delay.
func WithReconnectBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.newBackoff = func() *backoff.ExponentialBackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = initial
			bo.MaxInterval = maxInterval
			return bo
		}
	}
}

// New creates a client for the server at baseURL presenting apiKey.
func New(baseURL, apiKey string, storage *DirStorage, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		http:          &http.Client{Timeout: 30 * time.Second},
		stream:        &http.Client{},
		storage:       storage,
		logger:        slog.Default(),
		now:           time.Now,
		refreshMargin: 30 * time.Second,
		listeners:     make(map[int]port.SessionListener),
	}
	WithReconnectBackoff(500*time.Millisecond, 30*time.Second)(c)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remote")
	return c
}

// apiError is a non-2xx response. It unwraps to the port sentinel named
// by its code, so callers classify with errors.Is.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("backend: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *apiError) Unwrap() error {
	return port.ErrorFromCode(e.Code)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		body.Error = string(bytes.TrimSpace(raw))
		body.Code = http.StatusText(resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			body.Code = "not_found"
		}
	}
	return &apiError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}

// --- session storage & notifications ---

// stored reads the persisted session. It is read on every call, so clearing
// the storage directory ends the session.
func (c *Client) stored() (*domain.Session, error) {
	raw, err := c.storage.Get(sessionKey)
	if err != nil || raw == nil {
		return nil, err
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn("discarding unreadable session", "error", err)
		_ = c.storage.Delete(sessionKey)
		return nil, nil
	}
	return &s, nil
}

func (c *Client) save(s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.storage.Set(sessionKey, raw)
}

// OnSessionChange implements port.SessionProvider.
func (c *Client) OnSessionChange(listener port.SessionListener) port.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	c.listeners[id] = listener
	var once sync.Once
	return port.SubscriptionFunc(func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	})
}

func (c *Client) notify(event port.AuthEvent, s *domain.Session) {
	c.mu.Lock()
	ls := make([]port.SessionListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		var cp *domain.Session
		if s != nil {
			v := *s
			cp = &v
		}
		l(event, cp)
	}
}

// GetSession implements port.SessionProvider. A session close to expiry is
// refreshed first; a rejected refresh token means signed out.
func (c *Client) GetSession(ctx context.Context) (*domain.Session, error) {
	s, err := c.stored()
	if err != nil || s == nil {
		return nil, err
	}
	if !s.ExpiresWithin(c.now(), c.refreshMargin) {
		return s, nil
	}
	s, err = c.refresh(ctx, false)
	if errors.Is(err, port.ErrNoSession) {
		return nil, nil
	}
	return s, err
}

// refresh rotates the stored refresh token. Concurrent callers share one
// request. Unless force is set, a session another caller already renewed
// is returned as is.
func (c *Client) refresh(ctx context.Context, force bool) (*domain.Session, error) {
	v, err, _ := c.refreshes.Do("refresh", func() (any, error) {
		cur, err := c.stored()
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, port.ErrNoSession
		}
		if !force && !cur.ExpiresWithin(c.now(), c.refreshMargin) {
			return cur, nil
		}

		var next domain.Session
		err = c.send(ctx, http.MethodPost, "/api/v1/auth/refresh", "",
			map[string]string{"refresh_token": cur.RefreshToken}, &next)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			c.logger.Info("refresh token rejected, signing out", "code", apiErr.Code)
			_ = c.storage.Delete(sessionKey)
			c.notify(port.AuthSignedOut, nil)
			return nil, fmt.Errorf("%w: %w", port.ErrNoSession, err)
		}
		if err != nil {
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		if err := c.save(&next); err != nil {
			return nil, fmt.Errorf("persist session: %w", err)
		}
		c.notify(port.AuthTokenRefreshed, &next)
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	s := *v.(*domain.Session)
	return &s, nil
}

// accessToken returns a usable access token, refreshing when needed.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", port.ErrNoSession
	}
	return s.AccessToken, nil
}

// SignInWithOAuth implements port.SessionProvider. The login URL is opened
// in a browser, so it carries the public key as a query parameter.
func (c *Client) SignInWithOAuth(_ context.Context, provider, redirectTo string) (string, error) {
	if provider == "" {
		return "", fmt.Errorf("%w: empty provider", port.ErrUnknownProvider)
	}
	q := url.Values{"apikey": {c.apiKey}}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return c.baseURL + "/api/v1/auth/" + url.PathEscape(provider) + "/login?" + q.Encode(), nil
}

// CompleteRedirect finishes an OAuth round trip from the URL the server
// redirected the browser to, persists the session and emits SIGNED_IN.
func (c *Client) CompleteRedirect(ctx context.Context, callbackURL string) (*domain.Session, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("parse redirect: %w", err)
	}
	q := u.Query()
	if reason := q.Get("error"); reason != "" {
		return nil, fmt.Errorf("%w: %s", port.ErrUnauthorized, reason)
	}
	s := &domain.Session{
		AccessToken:  q.Get("access_token"),
		RefreshToken: q.Get("refresh_token"),
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		return nil, fmt.Errorf("%w: redirect carries no tokens", port.ErrTokenInvalid)
	}
	if exp, err := strconv.ParseInt(q.Get("expires_at"), 10, 64); err == nil {
		s.ExpiresAt = time.Unix(exp, 0).UTC()
	}

	if err := c.send(ctx, http.MethodGet, "/api/v1/auth/user", s.AccessToken, nil, &s.User); err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	if err := c.save(s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	c.notify(port.AuthSignedIn, s)
	return s, nil
}

// SignOut implements port.SessionProvider. The local session is dropped
// even when the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	var callErr error
	if s, _ := c.stored(); s != nil {
		callErr = c.send(ctx, http.MethodPost, "/api/v1/auth/logout", s.AccessToken, nil, nil)
	}
	if err := c.storage.Delete(sessionKey); err != nil {
		callErr = errors.Join(callErr, err)
	}
	c.notify(port.AuthSignedOut, nil)
	if callErr != nil {
		return fmt.Errorf("%w: %w", port.ErrSignOut, callErr)
	}
	return nil
}

// --- transport ---

// send performs one JSON request. token may be empty.
func (c *Client) send(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// call is send with the session's access token. An expired token is
// refreshed and the request retried once.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, path, token, in, out)
	if !errors.Is(err, port.ErrTokenExpired) {
		return err
	}
	s, rerr := c.refresh(ctx, true)
	if rerr != nil {
		return rerr
	}
	return c.send(ctx, method, path, s.AccessToken, in, out)
}
