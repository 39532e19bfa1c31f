// Package memory is an in-process Data Backend Adapter. It backs barnctl's
// offline demo mode and the test suites of the packages that consume
// port.Backend. Faults and latency can be injected per operation.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// Op names a backend operation for fault injection.
type Op string

// Injectable operations.
const (
	OpGetSession Op = "get_session"
	OpSignIn     Op = "sign_in"
	OpSignOut    Op = "sign_out"
	OpSelect     Op = "select"
	OpGet        Op = "get"
	OpInsert     Op = "insert"
	OpUpdate     Op = "update"
	OpUpsert     Op = "upsert"
	OpDelete     Op = "delete"
	OpCall       Op = "call"
)

type fault struct {
	err       error
	remaining int // <0 means forever
}

// Backend is a goroutine-safe in-memory implementation of port.Backend.
type Backend struct {
	mu       sync.Mutex
	tables   map[string]*table
	session  *domain.Session
	faults   map[string]*fault
	delays   map[Op]time.Duration
	calls    map[string]int
	now      func() time.Time
	provider map[string]bool

	// ProvisionProfiles emulates a database trigger that creates the users
	// row on first sign-in. Off by default so the missing-row race is visible.
	ProvisionProfiles bool

	listenerSeq int
	listeners   map[int]port.SessionListener
	changeSeq   int
	changeSubs  map[int]changeSub
	storage     *Storage
}

type changeSub struct {
	collection string
	events     port.EventFilter
	callback   func(domain.ChangeEvent)
}

// New creates an empty backend with "google" and "github" OAuth providers.
func New() *Backend {
	return &Backend{
		tables:     make(map[string]*table),
		faults:     make(map[string]*fault),
		delays:     make(map[Op]time.Duration),
		calls:      make(map[string]int),
		now:        func() time.Time { return time.Now().UTC() },
		provider:   map[string]bool{"google": true, "github": true},
		listeners:  make(map[int]port.SessionListener),
		changeSubs: make(map[int]changeSub),
		storage:    NewStorage(),
	}
}

// SetClock overrides the time source used for timestamps.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Storage returns the client-side storage this backend persists its session in.
func (b *Backend) Storage() *Storage {
	return b.storage
}

// Fail makes the next `times` calls of op fail with err. collection scopes
// record operations ("" matches any collection). times<0 fails forever.
func (b *Backend) Fail(op Op, collection string, err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[faultKey(op, collection)] = &fault{err: err, remaining: times}
}

// ClearFaults removes every injected fault.
func (b *Backend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = make(map[string]*fault)
}

// Delay makes every call of op sleep for d (or until ctx is done).
func (b *Backend) Delay(op Op, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[op] = d
}

// Calls returns how many times op was invoked for collection ("" = any).
func (b *Backend) Calls(op Op, collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if collection == "" {
		n := 0
		prefix := string(op) + ":"
		for k, v := range b.calls {
			if strings.HasPrefix(k, prefix) {
				n += v
			}
		}
		return n
	}
	return b.calls[faultKey(op, collection)]
}

func faultKey(op Op, collection string) string {
	return string(op) + ":" + collection
}

// enter records the call, applies latency and returns an injected fault.
func (b *Backend) enter(ctx context.Context, op Op, collection string) error {
	b.mu.Lock()
	b.calls[faultKey(op, collection)]++
	d := b.delays[op]
	var err error
	for _, key := range []string{faultKey(op, collection), faultKey(op, "")} {
		f, ok := b.faults[key]
		if !ok || f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		err = f.err
		break
	}
	b.mu.Unlock()

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// --- Sessions ---

// GetSession implements port.SessionProvider.
func (b *Backend) GetSession(ctx context.Context) (*domain.Session, error) {
	if err := b.enter(ctx, OpGetSession, ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// The session only survives while its token is still in client storage.
	if b.session == nil || b.storage.Get("session") != b.session.AccessToken {
		return nil, nil
	}
	s := *b.session
	return &s, nil
}

// OnSessionChange implements port.SessionProvider.
func (b *Backend) OnSessionChange(listener port.SessionListener) port.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listenerSeq++
	id := b.listenerSeq
	b.listeners[id] = listener
	var once sync.Once
	return port.SubscriptionFunc(func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	})
}

// Listeners returns the number of registered session listeners.
func (b *Backend) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// SignInWithOAuth implements port.SessionProvider. The returned URL is a
// pseudo consent page; call CompleteSignIn to simulate the redirect back.
func (b *Backend) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	if err := b.enter(ctx, OpSignIn, ""); err != nil {
		return "", err
	}
	b.mu.Lock()
	known := b.provider[provider]
	b.mu.Unlock()
	if !known {
		return "", fmt.Errorf("%w: %s", port.ErrUnknownProvider, provider)
	}
	return fmt.Sprintf("memory://oauth/%s?redirect_to=%s", provider, redirectTo), nil
}

// CompleteSignIn simulates an OAuth round trip finishing for the given user
// and notifies session listeners.
func (b *Backend) CompleteSignIn(userID, email string) *domain.Session {
	b.mu.Lock()
	s := &domain.Session{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    b.now().Add(time.Hour),
		User:         domain.SessionUser{ID: userID, Email: email},
	}
	b.session = s
	provision := b.ProvisionProfiles
	b.mu.Unlock()

	b.storage.Set("session", s.AccessToken)
	if provision {
		_, _ = b.Upsert(context.Background(), "users", domain.Record{"id": userID, "email": email})
	}
	b.notifySession(port.AuthSignedIn, s)
	return s
}

// SetSession installs a session without notifying listeners, as if it was
// restored from persisted storage on reload.
func (b *Backend) SetSession(userID, email string) *domain.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = &domain.Session{
		AccessToken: uuid.NewString(),
		ExpiresAt:   b.now().Add(time.Hour),
		User:        domain.SessionUser{ID: userID, Email: email},
	}
	b.storage.Set("session", b.session.AccessToken)
	s := *b.session
	return &s
}

// ExpireSession clears the session as if the refresh token was rejected.
func (b *Backend) ExpireSession() {
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	b.notifySession(port.AuthSignedOut, nil)
}

// SignOut implements port.SessionProvider.
func (b *Backend) SignOut(ctx context.Context) error {
	if err := b.enter(ctx, OpSignOut, ""); err != nil {
		return err
	}
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	b.notifySession(port.AuthSignedOut, nil)
	return nil
}

// Emit delivers a session notification to every listener synchronously.
func (b *Backend) Emit(event port.AuthEvent, s *domain.Session) {
	b.notifySession(event, s)
}

func (b *Backend) notifySession(event port.AuthEvent, s *domain.Session) {
	b.mu.Lock()
	ls := make([]port.SessionListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.Unlock()
	for _, l := range ls {
		var copied *domain.Session
		if s != nil {
			c := *s
			copied = &c
		}
		l(event, copied)
	}
}

// --- Change feed ---

// SubscribeToChanges implements port.ChangeFeed.
func (b *Backend) SubscribeToChanges(_ context.Context, collection string, events port.EventFilter, callback func(domain.ChangeEvent)) (port.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changeSeq++
	id := b.changeSeq
	b.changeSubs[id] = changeSub{collection: collection, events: events, callback: callback}
	var once sync.Once
	return port.SubscriptionFunc(func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.changeSubs, id)
			b.mu.Unlock()
		})
	}), nil
}

// Subscribers returns the number of live change subscriptions for collection.
func (b *Backend) Subscribers(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.changeSubs {
		if s.collection == collection {
			n++
		}
	}
	return n
}

// publish fans out a change asynchronously, the way a network push would.
// Callers must not hold b.mu.
func (b *Backend) publish(collection string, t domain.EventType, id string) {
	ev := domain.ChangeEvent{Collection: collection, Type: t, RecordID: id, At: b.now()}
	b.mu.Lock()
	var targets []func(domain.ChangeEvent)
	for _, s := range b.changeSubs {
		if s.collection == collection && s.events.Matches(t) {
			targets = append(targets, s.callback)
		}
	}
	b.mu.Unlock()
	for _, cb := range targets {
		go cb(ev)
	}
}
