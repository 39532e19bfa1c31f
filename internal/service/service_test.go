package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/barnstaff/internal/adapter/memory"
	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/middleware"
	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/pkg/config"
)

// --- fakes ---

type fakeProvider struct{ name string }

func (p fakeProvider) ProviderName() string { return p.name }

func (p fakeProvider) AuthURL(state string) string {
	return "https://consent.test/authorize?state=" + url.QueryEscape(state)
}

func (p fakeProvider) ExchangeCode(_ context.Context, code string) (*domain.TokenPair, error) {
	if code == "bad" {
		return nil, errors.New("invalid_grant")
	}
	return &domain.TokenPair{AccessToken: "provider-" + code, TokenType: "Bearer"}, nil
}

func (p fakeProvider) GetIdentity(_ context.Context, accessToken string) (*domain.Identity, error) {
	return &domain.Identity{
		Email:      "sarah@barn.test",
		Name:       "Sarah",
		Provider:   p.name,
		ProviderID: accessToken,
	}, nil
}

type fakeIdentities struct {
	mu         sync.Mutex
	identities map[string]*domain.Identity
	sessions   map[string]*domain.AuthSession
	roles      map[string]domain.Role
	rotations  int
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{
		identities: map[string]*domain.Identity{},
		sessions:   map[string]*domain.AuthSession{},
		roles:      map[string]domain.Role{},
	}
}

func (f *fakeIdentities) UpsertIdentity(_ context.Context, id *domain.Identity) (*domain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.identities {
		if have.Provider == id.Provider && have.ProviderID == id.ProviderID {
			return have, nil
		}
	}
	out := *id
	out.ID = uuid.NewString()
	f.identities[out.ID] = &out
	return &out, nil
}

func (f *fakeIdentities) GetIdentity(_ context.Context, id string) (*domain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ident, ok := f.identities[id]; ok {
		return ident, nil
	}
	return nil, port.ErrNotFound
}

func (f *fakeIdentities) RoleOf(_ context.Context, userID string) (domain.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.roles[userID]; ok {
		return r, nil
	}
	return domain.RoleStaff, nil
}

func (f *fakeIdentities) CreateAuthSession(_ context.Context, identityID, hash string, exp time.Time) (*domain.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &domain.AuthSession{ID: uuid.NewString(), IdentityID: identityID, RefreshHash: hash, ExpiresAt: exp}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeIdentities) GetAuthSessionByHash(_ context.Context, hash string) (*domain.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RefreshHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("auth session: %w", port.ErrNotFound)
}

func (f *fakeIdentities) RotateAuthSession(_ context.Context, id, oldHash, newHash string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.RefreshHash != oldHash || s.RevokedAt != nil {
		return port.ErrNotFound
	}
	s.RefreshHash = newHash
	s.ExpiresAt = exp
	f.rotations++
	return nil
}

func (f *fakeIdentities) RevokeAuthSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.RevokedAt == nil {
		now := time.Now()
		s.RevokedAt = &now
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:     "test-secret",
		JWTIssuer:     "barnstaff-test",
		JWTExpiration: time.Hour,
		RefreshTTL:    24 * time.Hour,
		FrontendURL:   "https://barn.example.com",
		AppOrigin:     "http://127.0.0.1:5173",
	}
}

func newAuth(t *testing.T) (*AuthService, *fakeIdentities) {
	t.Helper()
	store := newFakeIdentities()
	providers := port.AuthProviderRegistry{"google": fakeProvider{name: "google"}}
	return NewAuthService(providers, store, nil, testConfig()), store
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

// --- AuthService ---

func TestAuthService_LoginFlow(t *testing.T) {
	svc, store := newAuth(t)
	ctx := context.Background()

	authURL, err := svc.GetAuthURL("google", "http://127.0.0.1:5173")
	require.NoError(t, err)
	state := stateOf(t, authURL)
	assert.Regexp(t, `^google:[0-9a-f]{32}$`, state)

	sess, redirectTo, err := svc.HandleCallback(ctx, state, "abc")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5173", redirectTo)
	assert.Equal(t, "sarah@barn.test", sess.User.Email)
	assert.NotEmpty(t, sess.RefreshToken)
	require.Len(t, store.sessions, 1)

	claims, err := middleware.ParseAccessToken(sess.AccessToken, svc.JWTConfig())
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, claims.Subject)
	assert.Equal(t, domain.RoleStaff, claims.Role)

	// A state is single use.
	_, _, err = svc.HandleCallback(ctx, state, "abc")
	assert.ErrorIs(t, err, port.ErrTokenInvalid)
}

func TestAuthService_GetAuthURLRejects(t *testing.T) {
	svc, _ := newAuth(t)

	_, err := svc.GetAuthURL("myspace", "")
	assert.ErrorIs(t, err, port.ErrUnknownProvider)

	_, err = svc.GetAuthURL("google", "https://evil.example.net/steal")
	assert.ErrorIs(t, err, port.ErrForbidden)

	_, err = svc.GetAuthURL("google", "javascript:alert(1)")
	assert.ErrorIs(t, err, port.ErrForbidden)

	for _, ok := range []string{"", "https://barn.example.com/auth", "http://localhost:4000/cb", "http://[::1]:9000"} {
		_, err = svc.GetAuthURL("google", ok)
		assert.NoError(t, err, ok)
	}
}

func TestAuthService_CallbackErrors(t *testing.T) {
	svc, _ := newAuth(t)
	ctx := context.Background()

	_, _, err := svc.HandleCallback(ctx, "google", "abc")
	assert.ErrorIs(t, err, port.ErrTokenInvalid)

	authURL, err := svc.GetAuthURL("google", "")
	require.NoError(t, err)
	_, _, err = svc.HandleCallback(ctx, stateOf(t, authURL), "bad")
	assert.ErrorContains(t, err, "exchange code")
}

func TestAuthService_ExpiredState(t *testing.T) {
	svc, _ := newAuth(t)
	now := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	authURL, err := svc.GetAuthURL("google", "")
	require.NoError(t, err)

	now = now.Add(loginTTL + time.Second)
	_, _, err = svc.HandleCallback(context.Background(), stateOf(t, authURL), "abc")
	assert.ErrorIs(t, err, port.ErrTokenInvalid)
}

func signIn(t *testing.T, svc *AuthService) *domain.Session {
	t.Helper()
	authURL, err := svc.GetAuthURL("google", "")
	require.NoError(t, err)
	sess, _, err := svc.HandleCallback(context.Background(), stateOf(t, authURL), "abc")
	require.NoError(t, err)
	return sess
}

func TestAuthService_RefreshRotates(t *testing.T) {
	svc, store := newAuth(t)
	ctx := context.Background()
	first := signIn(t, svc)
	store.roles[first.User.ID] = domain.RoleAdmin

	second, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.User, second.User)

	claims, err := middleware.ParseAccessToken(second.AccessToken, svc.JWTConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, claims.Role)

	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, port.ErrTokenInvalid)

	_, err = svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, port.ErrTokenInvalid)
}

func TestAuthService_ConcurrentRefreshSharesResult(t *testing.T) {
	svc, store := newAuth(t)
	sess := signIn(t, svc)

	var wg sync.WaitGroup
	results := make([]*domain.Session, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Refresh(context.Background(), sess.RefreshToken)
		}(i)
	}
	wg.Wait()

	// Late callers may miss the shared flight and see the rotated token.
	var ok int
	for i := range results {
		if errs[i] == nil {
			ok++
		} else {
			assert.ErrorIs(t, errs[i], port.ErrTokenInvalid)
		}
	}
	assert.GreaterOrEqual(t, ok, 1)
	assert.Equal(t, 1, store.rotations)
}

func TestAuthService_LogoutRevokes(t *testing.T) {
	svc, _ := newAuth(t)
	ctx := context.Background()
	sess := signIn(t, svc)

	claims, err := middleware.ParseAccessToken(sess.AccessToken, svc.JWTConfig())
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx, claims.UserContext()))

	_, err = svc.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, port.ErrTokenExpired)

	assert.ErrorIs(t, svc.Logout(ctx, nil), port.ErrUnauthorized)
}

// --- RecordService ---

func staff(id string) *domain.UserContext {
	return &domain.UserContext{UserID: id, Role: domain.RoleStaff}
}

func newRecords(t *testing.T) (*RecordService, *memory.Backend) {
	t.Helper()
	b := memory.New()
	b.Seed("users",
		domain.Record{"id": "admin", "email": "boss@barn.test", "display_name": "Boss", "role": "Admin"},
		domain.Record{"id": "u1", "email": "sarah@barn.test", "display_name": "Sarah", "role": "Staff"},
	)
	return NewRecordService(b, nil), b
}

func TestRecordService_StaffPolicy(t *testing.T) {
	svc, b := newRecords(t)
	ctx := context.Background()
	me := staff("u1")

	msg, err := svc.Insert(ctx, me, "messages", domain.Record{"content": "Hay is in"})
	require.NoError(t, err)
	assert.Equal(t, "u1", msg.String("user_id"))

	_, err = svc.Insert(ctx, me, "messages", domain.Record{"content": "hi", "user_id": "admin"})
	assert.ErrorIs(t, err, port.ErrForbidden)

	_, err = svc.Update(ctx, me, "users", "u1", domain.Record{"display_name": "Sarah M."})
	require.NoError(t, err)

	_, err = svc.Update(ctx, me, "users", "u1", domain.Record{"role": "Admin"})
	assert.ErrorIs(t, err, port.ErrForbidden)

	_, err = svc.Update(ctx, me, "users", "admin", domain.Record{"display_name": "x"})
	assert.ErrorIs(t, err, port.ErrForbidden)

	_, err = svc.Insert(ctx, me, "locations", domain.Record{"name": "Stall 9", "type": "Stall"})
	assert.ErrorIs(t, err, port.ErrForbidden)

	b.Seed("tasks", domain.Record{"id": "t1", "title": "Water", "status": "Pending"})
	_, err = svc.Update(ctx, me, "tasks", "t1", domain.Record{"status": "In Progress", "assigned_to": "u1"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, me, "tasks", "t1", domain.Record{"assigned_to": "admin"})
	assert.ErrorIs(t, err, port.ErrForbidden)

	assert.ErrorIs(t, svc.Delete(ctx, me, "messages", msg.ID()), port.ErrForbidden)
}

func TestRecordService_ProfileUpsertOwnRow(t *testing.T) {
	svc, _ := newRecords(t)
	ctx := context.Background()

	rec, err := svc.Upsert(ctx, staff("u2"), "users", domain.Record{"id": "u2", "email": "new@barn.test"})
	require.NoError(t, err)
	assert.Equal(t, "Staff", rec.String("role"))

	_, err = svc.Upsert(ctx, staff("u2"), "users", domain.Record{"id": "u3", "email": "x@barn.test"})
	assert.ErrorIs(t, err, port.ErrForbidden)
}

func TestRecordService_AdminPolicy(t *testing.T) {
	svc, b := newRecords(t)
	ctx := context.Background()
	// The token says Staff; the users row says Admin and wins.
	boss := staff("admin")

	loc, err := svc.Insert(ctx, boss, "locations", domain.Record{"name": "North Pasture", "type": "Pasture"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, boss, "users", "u1", domain.Record{"role": "Admin"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, boss, "locations", loc.ID()))
	assert.Equal(t, 0, b.Count("locations"))

	assert.ErrorIs(t, svc.Delete(ctx, boss, "users", "u1"), port.ErrForbidden)
}

func TestRecordService_Validation(t *testing.T) {
	svc, b := newRecords(t)
	ctx := context.Background()

	_, err := svc.Insert(ctx, staff("u1"), "messages", domain.Record{"content": ""})
	assert.ErrorIs(t, err, port.ErrInvalidRecord)

	_, err = svc.Insert(ctx, staff("admin"), "locations", domain.Record{"name": "Shed", "type": "Barn"})
	assert.ErrorIs(t, err, port.ErrInvalidRecord)
	assert.Equal(t, 0, b.Calls(memory.OpInsert, "locations"))

	_, err = svc.Insert(ctx, staff("u1"), "messages", nil)
	assert.ErrorIs(t, err, port.ErrInvalidRecord)
}

func TestRecordService_RequiresUser(t *testing.T) {
	svc, _ := newRecords(t)
	ctx := context.Background()

	_, err := svc.Query(ctx, nil, port.Query{Collection: "horses"})
	assert.ErrorIs(t, err, port.ErrUnauthorized)
	_, err = svc.Insert(ctx, nil, "messages", domain.Record{"content": "x"})
	assert.ErrorIs(t, err, port.ErrUnauthorized)
	assert.ErrorIs(t, svc.Call(ctx, nil, "generate_daily_tasks", nil), port.ErrUnauthorized)
}

func TestRecordService_Call(t *testing.T) {
	svc, b := newRecords(t)
	ctx := context.Background()
	b.Seed("task_templates", domain.Record{"id": "tpl1", "title": "Muck stalls", "shift": "AM", "sort_order": 1})

	require.NoError(t, svc.Call(ctx, staff("u1"), "generate_daily_tasks", nil))
	assert.Equal(t, 1, b.Count("tasks"))

	assert.ErrorIs(t, svc.Call(ctx, staff("u1"), "drop_everything", nil), port.ErrUnknownRPC)
}

// --- ChangeHub ---

func TestChangeHub_FanOut(t *testing.T) {
	hub := NewChangeHub()
	all := hub.Subscribe("horses", port.EventsAll)
	inserts := hub.Subscribe("horses", port.EventsInsert)
	other := hub.Subscribe("tasks", port.EventsAll)
	assert.Equal(t, 2, hub.Subscribers("horses"))

	hub.Publish(domain.ChangeEvent{Collection: "horses", Type: domain.EventUpdate, RecordID: "h1"})
	hub.Publish(domain.ChangeEvent{Collection: "horses", Type: domain.EventInsert, RecordID: "h2"})

	assert.Equal(t, "h1", (<-all).RecordID)
	assert.Equal(t, "h2", (<-all).RecordID)
	assert.Equal(t, "h2", (<-inserts).RecordID)
	assert.Empty(t, other)

	hub.Unsubscribe("horses", all)
	_, open := <-all
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers("horses"))

	// Unknown or repeated unsubscribes are ignored.
	hub.Unsubscribe("horses", all)
	hub.Unsubscribe("tasks", other)
	assert.Equal(t, 0, hub.Subscribers("tasks"))
}

func TestChangeHub_FullSubscriberDoesNotBlock(t *testing.T) {
	hub := NewChangeHub()
	ch := hub.Subscribe("messages", port.EventsAll)
	defer hub.Unsubscribe("messages", ch)

	done := make(chan struct{})
	go func() {
		for range subscriberBuffer * 3 {
			hub.Publish(domain.ChangeEvent{Collection: "messages", Type: domain.EventInsert})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}
