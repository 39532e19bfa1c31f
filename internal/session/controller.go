// Package session owns the authentication lifecycle of the client: session
// acquisition, profile hydration with self-healing, and a loading window
// that is guaranteed to close.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// Defaults for the bootstrap timing.
const (
	DefaultLoadingTimeout = 10 * time.Second
	DefaultRetryDelay     = 2 * time.Second
	DefaultMaxAttempts    = 2
)

type options struct {
	loadingTimeout time.Duration
	retryDelay     time.Duration
	maxAttempts    int
	redirectTo     string
	unconfigured   bool
	reloader       func(context.Context)
	logger         *slog.Logger
}

// Option configures a Controller.
type Option func(*options)

// WithLoadingTimeout bounds how long Loading may stay true.
func WithLoadingTimeout(d time.Duration) Option {
	return func(o *options) { o.loadingTimeout = d }
}

// WithRetryDelay sets the fixed pause between profile read attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithMaxAttempts sets how many times a profile read is tried in total.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRedirectTo sets the application's own origin used as OAuth redirect target.
func WithRedirectTo(origin string) Option {
	return func(o *options) { o.redirectTo = origin }
}

// WithUnconfigured marks the backend as missing its URL or key.
func WithUnconfigured() Option {
	return func(o *options) { o.unconfigured = true }
}

// WithReloader replaces the post-sign-out reload. The default tears the
// controller down and starts it again from an empty state.
func WithReloader(fn func(context.Context)) Option {
	return func(o *options) { o.reloader = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Controller is the single owner of the {session, profile, loading} tuple.
// Construct one per application and hand it to every screen.
type Controller struct {
	backend port.Backend
	storage port.ClientStorage
	opts    options
	logger  *slog.Logger
	flights singleflight.Group

	mu       sync.Mutex
	state    State
	started  bool
	disposed bool
	// resolved is the resolve-once guard: the first of {initial probe,
	// first session notification} sets the initial state; a probe that
	// resolves later is discarded.
	resolved bool
	// gen increments on every session transition; hydration results tagged
	// with an older generation are dropped.
	gen      uint64
	timer    *time.Timer
	timerSeq uint64
	sub      port.Subscription
	baseCtx  context.Context
	cancel   context.CancelFunc
	watchers map[int]chan State
	watchSeq int
}

// NewController wires a controller to its backend and the client's persisted storage.
func NewController(backend port.Backend, storage port.ClientStorage, opts ...Option) *Controller {
	o := options{
		loadingTimeout: DefaultLoadingTimeout,
		retryDelay:     DefaultRetryDelay,
		maxAttempts:    DefaultMaxAttempts,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Controller{
		backend:  backend,
		storage:  storage,
		opts:     o,
		logger:   o.logger.With("component", "session"),
		state:    State{Loading: true},
		watchers: make(map[int]chan State),
	}
	if c.opts.reloader == nil {
		c.opts.reloader = c.restart
	}
	return c
}

// Start registers the session listener, probes once for a resumed session
// and arms the loading safety timer. Calling Start again is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.disposed {
		c.mu.Unlock()
		return
	}
	c.started = true
	if c.baseCtx == nil {
		c.baseCtx = ctx
	}

	if c.opts.unconfigured {
		c.state = State{Unconfigured: true}
		c.publishLocked()
		c.mu.Unlock()
		c.logger.Warn("backend not configured, skipping authentication",
			"error", port.ErrBackendUnconfigured)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = State{Loading: true}
	c.armTimerLocked()
	c.publishLocked()
	c.mu.Unlock()

	sub := c.backend.OnSessionChange(func(event port.AuthEvent, s *domain.Session) {
		c.onSessionChange(runCtx, event, s)
	})

	c.mu.Lock()
	if c.disposed || runCtx.Err() != nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.sub = sub
	c.mu.Unlock()

	go c.probe(runCtx)
}

// Dispose unregisters the listener, clears the pending timer and cancels
// in-flight hydration. No state change is published afterwards.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	sub := c.teardownLocked()
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// teardownLocked stops the timer and cancels hydration; the caller
// unsubscribes the returned listener outside the lock.
func (c *Controller) teardownLocked() port.Subscription {
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	sub := c.sub
	c.sub = nil
	return sub
}

// restart is the default reloader: an in-process equivalent of reloading
// the application so no in-memory state survives sign-out. The controller
// restarts under the context it was first started with.
func (c *Controller) restart(context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	sub := c.teardownLocked()
	c.started = false
	c.resolved = false
	c.gen++
	c.state = State{Loading: true}
	c.publishLocked()
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.logger.Info("reloading session controller")
	c.Start(ctx)
}

// State returns a copy of the current tuple.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Phase returns the current state-machine position.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started && !c.disposed {
		return PhaseUninitialized
	}
	return c.state.Phase()
}

// Watch returns a channel carrying the latest tuple after every change.
// Slow readers only ever see the most recent state. The channel is closed
// by cancel or Dispose.
func (c *Controller) Watch() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan State, 1)
	if c.disposed {
		close(ch)
		return ch, func() {}
	}
	c.watchSeq++
	id := c.watchSeq
	c.watchers[id] = ch
	ch <- c.state.clone()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(w)
			}
		})
	}
}

// WaitReady blocks until Loading is false and returns that state.
func (c *Controller) WaitReady(ctx context.Context) (State, error) {
	ch, cancel := c.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return c.State(), ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return c.State(), fmt.Errorf("session controller disposed")
			}
			if !st.Loading {
				return st, nil
			}
		}
	}
}

func (c *Controller) publishLocked() {
	st := c.state.clone()
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// --- bootstrap ---

func (c *Controller) onSessionChange(ctx context.Context, event port.AuthEvent, s *domain.Session) {
	c.mu.Lock()
	if c.disposed || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	c.gen++
	gen := c.gen
	c.state.Session = s
	if s == nil {
		c.state.Profile = nil
		c.state.Loading = false
		c.stopTimerLocked()
		c.publishLocked()
		c.mu.Unlock()
		c.logger.Info("session cleared", "event", event)
		return
	}
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("session changed", "event", event, "email", s.User.Email)
	go c.fetchProfile(ctx, gen, s.User)
}

func (c *Controller) probe(ctx context.Context) {
	s, err := c.backend.GetSession(ctx)
	if err != nil {
		c.logger.Error("initial session check failed",
			"error", fmt.Errorf("%w: %w", port.ErrSessionProbe, err))
		s = nil
	}

	c.mu.Lock()
	if c.disposed || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.resolved {
		c.mu.Unlock()
		c.logger.Debug("initial session check discarded, a notification already resolved the session")
		return
	}
	c.resolved = true
	c.gen++
	gen := c.gen
	c.state.Session = s
	if s == nil {
		c.state.Profile = nil
		c.state.Loading = false
		c.stopTimerLocked()
		c.publishLocked()
		c.mu.Unlock()
		return
	}
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("resumed session", "email", s.User.Email)
	c.fetchProfile(ctx, gen, s.User)
}

func (c *Controller) armTimerLocked() {
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.opts.loadingTimeout, func() { c.onTimeout(seq) })
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onTimeout(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.timer == nil || seq != c.timerSeq {
		return
	}
	c.timer = nil
	if c.state.Loading {
		c.logger.Warn("loading timeout reached, forcing loading=false",
			"timeout", c.opts.loadingTimeout)
		c.state.Loading = false
		c.publishLocked()
	}
}

// --- sign in / out ---

// SignInWithOAuth starts the provider's OAuth flow and returns the URL to
// visit. The provider redirects back to the application's own origin.
func (c *Controller) SignInWithOAuth(ctx context.Context, provider string) (string, error) {
	if c.opts.unconfigured {
		return "", port.ErrBackendUnconfigured
	}
	authURL, err := c.backend.SignInWithOAuth(ctx, provider, c.opts.redirectTo)
	if err != nil {
		return "", fmt.Errorf("sign in with %s: %w", provider, err)
	}
	return authURL, nil
}

// SignOut never gets stuck: the backend call is best effort, then local
// state and every piece of persisted client storage are cleared and the
// application is reloaded.
func (c *Controller) SignOut(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.state.Loading = true
	c.publishLocked()
	c.mu.Unlock()

	if err := c.backend.SignOut(ctx); err != nil {
		c.logger.Warn("sign out failed, clearing state anyway",
			"error", fmt.Errorf("%w: %w", port.ErrSignOut, err))
	}

	c.mu.Lock()
	c.gen++
	c.state.Session = nil
	c.state.Profile = nil
	c.state.Loading = false
	c.publishLocked()
	c.mu.Unlock()

	if c.storage != nil {
		if err := c.storage.Clear(); err != nil {
			c.logger.Warn("failed to clear client storage", "error", err)
		}
	}
	c.opts.reloader(ctx)
}
