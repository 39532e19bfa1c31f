// Package screen implements the barn's views as consumers of the session
// controller and of live queries. Each screen owns its subscriptions and
// releases them on Close.
package screen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/livequery"
	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/internal/session"
)

// StateSource is the read-only view of the session tuple screens rely on.
type StateSource interface {
	State() session.State
}

// Deps are shared by every screen.
type Deps struct {
	Backend port.Backend
	Session StateSource
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger(name string) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "screen", "screen", name)
}

// actor returns the signed-in user's id or ErrNoSession.
func (d Deps) actor() (string, error) {
	st := d.Session.State()
	if st.Session == nil {
		return "", port.ErrNoSession
	}
	return st.Session.User.ID, nil
}

// requireProfile returns the signed-in profile; screens that write on the
// user's behalf need a completed one.
func (d Deps) requireProfile() (*domain.Profile, error) {
	st := d.Session.State()
	if st.Session == nil {
		return nil, port.ErrNoSession
	}
	if st.Profile == nil {
		return nil, fmt.Errorf("%w: profile not loaded", port.ErrNoSession)
	}
	return st.Profile, nil
}

func (d Deps) requireAdmin() error {
	if !d.Session.State().IsAdmin() {
		return port.ErrForbidden
	}
	return nil
}

// live multiplexes the update streams of a screen's queries into one
// notification channel.
type live struct {
	queries []*livequery.LiveQuery
	changed chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newLive(queries ...*livequery.LiveQuery) *live {
	l := &live{queries: queries, changed: make(chan struct{}, 1)}
	for _, q := range queries {
		l.wg.Add(1)
		go func(q *livequery.LiveQuery) {
			defer l.wg.Done()
			for range q.Updates() {
				select {
				case l.changed <- struct{}{}:
				default:
				}
			}
		}(q)
	}
	return l
}

// Changed fires after any of the screen's record sets is replaced.
func (l *live) Changed() <-chan struct{} {
	return l.changed
}

// Close releases every subscription. Safe to call more than once.
func (l *live) Close() {
	l.once.Do(func() {
		for _, q := range l.queries {
			q.Close()
		}
		l.wg.Wait()
		close(l.changed)
	})
}

// Degraded reports whether any query fell back to unjoined records.
func (l *live) Degraded() bool {
	for _, q := range l.queries {
		if q.Degraded() {
			return true
		}
	}
	return false
}

// Err returns the first query failure, if any.
func (l *live) Err() error {
	for _, q := range l.queries {
		if err := q.Err(); err != nil {
			return err
		}
	}
	return nil
}

// openAll opens the screen's queries concurrently. On failure every query
// that did open is closed again.
func openAll(ctx context.Context, d Deps, name string, specs ...livequery.Spec) ([]*livequery.LiveQuery, error) {
	var opts []livequery.Option
	if d.Logger != nil {
		opts = append(opts, livequery.WithLogger(d.Logger))
	}
	out := make([]*livequery.LiveQuery, len(specs))
	// The queries outlive this call, so they are opened under ctx itself.
	var g errgroup.Group
	for i, s := range specs {
		g.Go(func() error {
			lq, err := livequery.Open(ctx, d.Backend, s, opts...)
			if err != nil {
				return err
			}
			out[i] = lq
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, lq := range out {
			if lq != nil {
				lq.Close()
			}
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return out, nil
}
