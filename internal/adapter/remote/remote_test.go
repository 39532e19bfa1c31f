package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

const testKey = "pk-test"

// fakeServer speaks just enough of the backend API for the adapter.
type fakeServer struct {
	t  *testing.T
	mu sync.Mutex

	generation int
	access     string
	refresh    string
	expiredOK  bool // reject the current access token once with token_expired

	refreshes  atomic.Int32
	logouts    atomic.Int32
	logoutFail atomic.Bool

	streams atomic.Int32
	events  chan domain.ChangeEvent
	drop    chan struct{}
	closed  chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{
		t:       t,
		access:  "access-0",
		refresh: "refresh-0",
		events:  make(chan domain.ChangeEvent, 8),
		drop:    make(chan struct{}, 1),
		closed:  make(chan struct{}, 8),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeErr(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"code":%q}`, code, code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+f.access {
		writeErr(w, http.StatusUnauthorized, "token_invalid")
		return false
	}
	if f.expiredOK {
		f.expiredOK = false
		writeErr(w, http.StatusUnauthorized, "token_expired")
		return false
	}
	return true
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != testKey {
		writeErr(w, http.StatusUnauthorized, "invalid_api_key")
		return
	}

	switch {
	case r.URL.Path == "/api/v1/auth/refresh":
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		if body.RefreshToken != f.refresh {
			f.mu.Unlock()
			writeErr(w, http.StatusUnauthorized, "token_invalid")
			return
		}
		f.refreshes.Add(1)
		f.generation++
		f.access = fmt.Sprintf("access-%d", f.generation)
		f.refresh = fmt.Sprintf("refresh-%d", f.generation)
		sess := domain.Session{
			AccessToken:  f.access,
			RefreshToken: f.refresh,
			ExpiresAt:    time.Now().Add(time.Hour),
			User:         domain.SessionUser{ID: "u1", Email: "sarah@barn.test"},
		}
		f.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, sess)

	case r.URL.Path == "/api/v1/auth/user":
		if f.authorized(w, r) {
			writeJSON(w, domain.SessionUser{ID: "u1", Email: "sarah@barn.test"})
		}

	case r.URL.Path == "/api/v1/auth/logout":
		f.logouts.Add(1)
		if f.logoutFail.Load() {
			writeErr(w, http.StatusInternalServerError, "internal")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case r.URL.Path == "/api/v1/records/users/u1":
		if f.authorized(w, r) {
			writeJSON(w, domain.Record{"id": "u1", "email": "sarah@barn.test", "role": "Staff"})
		}

	case r.URL.Path == "/api/v1/records/users/missing":
		if f.authorized(w, r) {
			writeErr(w, http.StatusNotFound, "not_found")
		}

	case r.URL.Path == "/api/v1/records/messages/query":
		if !f.authorized(w, r) {
			return
		}
		var q port.Query
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&q))
		writeJSON(w, []domain.Record{{"id": "m1", "content": "limit " + fmt.Sprint(q.Limit)}})

	case r.URL.Path == "/api/v1/rpc/generate_daily_tasks":
		if f.authorized(w, r) {
			writeJSON(w, map[string]bool{"ok": true})
		}

	case r.URL.Path == "/api/v1/changes":
		if !f.authorized(w, r) {
			return
		}
		f.stream(w, r)

	default:
		writeErr(w, http.StatusNotFound, "not_found")
	}
}

func (f *fakeServer) stream(w http.ResponseWriter, r *http.Request) {
	f.streams.Add(1)
	defer func() { f.closed <- struct{}{} }()

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: ready\ndata: {\"collection\":%q}\n\n", r.URL.Query().Get("collection"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-f.drop:
			return
		case ev := <-f.events:
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, ": ping\n\nevent: change\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

type recorded struct {
	mu     sync.Mutex
	events []port.AuthEvent
}

func (r *recorded) listener(event port.AuthEvent, _ *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorded) all() []port.AuthEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]port.AuthEvent(nil), r.events...)
}

func newClient(t *testing.T, srv *httptest.Server) (*Client, *DirStorage) {
	t.Helper()
	storage := NewDirStorage(t.TempDir())
	c := New(srv.URL, testKey, storage, WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
	return c, storage
}

func signedIn(t *testing.T, c *Client, expiresIn time.Duration) {
	t.Helper()
	exp := time.Now().Add(expiresIn).Unix()
	_, err := c.CompleteRedirect(context.Background(),
		fmt.Sprintf("http://127.0.0.1:5173/?access_token=access-0&refresh_token=refresh-0&expires_at=%d", exp))
	require.NoError(t, err)
}

func TestCompleteRedirect(t *testing.T) {
	_, srv := newFakeServer(t)
	c, storage := newClient(t, srv)
	var rec recorded
	c.OnSessionChange(rec.listener)

	signedIn(t, c, time.Hour)
	assert.Equal(t, []port.AuthEvent{port.AuthSignedIn}, rec.all())

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, "access-0", s.AccessToken)

	raw, err := storage.Get(sessionKey)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "refresh-0")

	// A second client over the same directory resumes the session.
	other := New(srv.URL, testKey, NewDirStorage(storage.Dir()))
	s, err = other.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestCompleteRedirect_Rejects(t *testing.T) {
	_, srv := newFakeServer(t)
	c, _ := newClient(t, srv)
	ctx := context.Background()

	_, err := c.CompleteRedirect(ctx, "http://127.0.0.1:5173/?error=access_denied")
	assert.ErrorIs(t, err, port.ErrUnauthorized)

	_, err = c.CompleteRedirect(ctx, "http://127.0.0.1:5173/?access_token=x")
	assert.ErrorIs(t, err, port.ErrTokenInvalid)

	_, err = c.CompleteRedirect(ctx, "http://127.0.0.1:5173/?access_token=forged&refresh_token=y")
	assert.ErrorIs(t, err, port.ErrTokenInvalid)

	s, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGetSession_RefreshesNearExpiry(t *testing.T) {
	f, srv := newFakeServer(t)
	c, _ := newClient(t, srv)
	var rec recorded
	signedIn(t, c, 10*time.Second)
	c.OnSessionChange(rec.listener)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.GetSession(context.Background())
			assert.NoError(t, err)
			if assert.NotNil(t, s) {
				assert.Equal(t, "access-1", s.AccessToken)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.refreshes.Load())
	assert.Equal(t, []port.AuthEvent{port.AuthTokenRefreshed}, rec.all())
}

func TestGetSession_RejectedRefreshSignsOut(t *testing.T) {
	f, srv := newFakeServer(t)
	c, storage := newClient(t, srv)
	signedIn(t, c, time.Second)
	var rec recorded
	c.OnSessionChange(rec.listener)

	f.mu.Lock()
	f.refresh = "revoked-elsewhere"
	f.mu.Unlock()

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []port.AuthEvent{port.AuthSignedOut}, rec.all())

	raw, err := storage.Get(sessionKey)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestClearingStorageEndsSession(t *testing.T) {
	_, srv := newFakeServer(t)
	c, storage := newClient(t, srv)
	signedIn(t, c, time.Hour)

	require.NoError(t, storage.Clear())
	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = c.Get(context.Background(), "users", "u1")
	assert.ErrorIs(t, err, port.ErrNoSession)
}

func TestRecords(t *testing.T) {
	_, srv := newFakeServer(t)
	c, _ := newClient(t, srv)
	ctx := context.Background()
	signedIn(t, c, time.Hour)

	rec, err := c.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "sarah@barn.test", rec.String("email"))

	_, err = c.Get(ctx, "users", "missing")
	assert.ErrorIs(t, err, port.ErrNotFound)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	rows, err := c.Select(ctx, port.Query{Collection: "messages", Limit: 200})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "limit 200", rows[0].String("content"))

	require.NoError(t, c.Call(ctx, "generate_daily_tasks", nil))
}

func TestRecords_RetriesAfterExpiredToken(t *testing.T) {
	f, srv := newFakeServer(t)
	c, _ := newClient(t, srv)
	signedIn(t, c, time.Hour)

	f.mu.Lock()
	f.expiredOK = true
	f.mu.Unlock()

	rec, err := c.Get(context.Background(), "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID())
	assert.Equal(t, int32(1), f.refreshes.Load())
}

func TestSignOut(t *testing.T) {
	f, srv := newFakeServer(t)
	c, storage := newClient(t, srv)
	signedIn(t, c, time.Hour)
	var rec recorded
	c.OnSessionChange(rec.listener)

	f.logoutFail.Store(true)
	err := c.SignOut(context.Background())
	assert.ErrorIs(t, err, port.ErrSignOut)
	assert.Equal(t, int32(1), f.logouts.Load())
	assert.Equal(t, []port.AuthEvent{port.AuthSignedOut}, rec.all())

	raw, _ := storage.Get(sessionKey)
	assert.Nil(t, raw)

	// Signing out with no session skips the server.
	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, int32(1), f.logouts.Load())
}

func TestSignInWithOAuth(t *testing.T) {
	_, srv := newFakeServer(t)
	c, _ := newClient(t, srv)

	raw, err := c.SignInWithOAuth(context.Background(), "github", "http://127.0.0.1:5173")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/auth/github/login", u.Path)
	assert.Equal(t, testKey, u.Query().Get("apikey"))
	assert.Equal(t, "http://127.0.0.1:5173", u.Query().Get("redirect_to"))

	_, err = c.SignInWithOAuth(context.Background(), "", "")
	assert.ErrorIs(t, err, port.ErrUnknownProvider)
}

func TestSubscribeToChanges_ReconnectsAndReleases(t *testing.T) {
	f, srv := newFakeServer(t)
	c, _ := newClient(t, srv)
	signedIn(t, c, time.Hour)

	got := make(chan domain.ChangeEvent, 8)
	sub, err := c.SubscribeToChanges(context.Background(), "messages", port.EventsInsert, func(ev domain.ChangeEvent) {
		got <- ev
	})
	require.NoError(t, err)

	f.events <- domain.ChangeEvent{Collection: "messages", Type: domain.EventInsert, RecordID: "m1"}
	select {
	case ev := <-got:
		assert.Equal(t, "m1", ev.RecordID)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	// The server drops the stream; the client reconnects and reports a
	// synthetic change that passes the INSERT filter.
	f.drop <- struct{}{}
	select {
	case ev := <-got:
		assert.Equal(t, domain.EventInsert, ev.Type)
		assert.Empty(t, ev.RecordID)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	assert.Equal(t, int32(2), f.streams.Load())

	sub.Unsubscribe()
	sub.Unsubscribe()
	<-f.closed // first stream
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after unsubscribe")
	}
}

func TestSubscribeToChanges_InitialFailure(t *testing.T) {
	_, srv := newFakeServer(t)
	c, _ := newClient(t, srv)

	_, err := c.SubscribeToChanges(context.Background(), "messages", port.EventsAll, func(domain.ChangeEvent) {})
	assert.ErrorIs(t, err, port.ErrNoSession)
}

func TestReadEvents(t *testing.T) {
	body := ": hello\n\nevent: ready\ndata: {}\n\nevent: change\ndata: line1\ndata: line2\n\ndata: bare\n\n"
	var got []string
	err := readEvents(strings.NewReader(body), func(event, data string) {
		got = append(got, event+"="+data)
	})
	assert.ErrorIs(t, err, errStreamClosed)
	assert.Equal(t, []string{"ready={}", "change=line1\nline2", "message=bare"}, got)
}

func TestDirStorage(t *testing.T) {
	s := NewDirStorage(t.TempDir() + "/state")

	v, err := s.Get("session")
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, s.Clear())

	require.NoError(t, s.Set("session", []byte("a")))
	require.NoError(t, s.Set("prefs", []byte("b")))
	v, err = s.Get("session")
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	require.NoError(t, s.Delete("session"))
	require.NoError(t, s.Delete("session"))
	v, _ = s.Get("session")
	assert.Nil(t, v)

	require.NoError(t, s.Clear())
	v, _ = s.Get("prefs")
	assert.Nil(t, v)

	assert.Error(t, s.Set("../escape", []byte("x")))
	_, err = s.Get("a/b")
	assert.Error(t, err)
}

func TestDecodeError_PlainBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("Cannot GET /nope")),
	}
	err := decodeError(resp)
	assert.ErrorIs(t, err, port.ErrNotFound)
	assert.Contains(t, err.Error(), "Cannot GET /nope")
}
