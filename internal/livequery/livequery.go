// Package livequery keeps a local record set in sync with a backend
// collection: an initial fetch, then a full refetch on every matching change
// notification, with guaranteed release of the subscription.
package livequery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// Placeholder replaces joined display fields when the joined fetch fails.
const Placeholder = "Unknown"

// ErrSubscribe is returned by Open when the change subscription cannot be registered.
var ErrSubscribe = errors.New("change subscription failed")

// Source is what a live query needs from the Data Backend Adapter.
type Source interface {
	Select(ctx context.Context, q port.Query) ([]domain.Record, error)
	port.ChangeFeed
}

// Spec configures one live query.
type Spec struct {
	// Name identifies the query in logs, e.g. "chat".
	Name  string
	Query port.Query
	// Scope is the collection whose changes trigger a refetch. Defaults to Query.Collection.
	Scope  string
	Events port.EventFilter
}

func (s Spec) scope() string {
	if s.Scope != "" {
		return s.Scope
	}
	return s.Query.Collection
}

type options struct {
	logger       *slog.Logger
	fetchTimeout time.Duration
}

// Option configures a LiveQuery.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFetchTimeout bounds every individual fetch. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.fetchTimeout = d }
}

// LiveQuery is an open subscription. Records are replaced wholesale on every
// refetch; callers treat snapshots as read-only.
type LiveQuery struct {
	src    Source
	spec   Spec
	opts   options
	logger *slog.Logger

	// fetchMu serialises fetches so an older result never overwrites a newer one.
	fetchMu sync.Mutex

	mu       sync.RWMutex
	records  []domain.Record
	err      error
	degraded bool
	closed   bool
	updates  chan []domain.Record

	kick      chan struct{}
	sub       port.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open subscribes to the spec's change scope, performs the initial fetch and
// starts the refetch worker. A failed fetch never fails Open: the set is
// empty and Err reports why.
func Open(ctx context.Context, src Source, spec Spec, opts ...Option) (*LiveQuery, error) {
	if spec.Query.Collection == "" {
		return nil, fmt.Errorf("live query %q: %w", spec.Name, port.ErrUnknownCollection)
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if spec.Name == "" {
		spec.Name = spec.Query.Collection
	}
	if spec.Events == "" {
		spec.Events = port.EventsAll
	}

	runCtx, cancel := context.WithCancel(ctx)
	lq := &LiveQuery{
		src:     src,
		spec:    spec,
		opts:    o,
		logger:  o.logger.With("component", "livequery", "query", spec.Name),
		updates: make(chan []domain.Record, 1),
		kick:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	// Subscribing first means a change landing during the initial fetch still
	// produces a refetch.
	sub, err := src.SubscribeToChanges(runCtx, spec.scope(), spec.Events, lq.notify)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("live query %q on %s: %w: %w", spec.Name, spec.scope(), ErrSubscribe, err)
	}
	lq.sub = sub

	lq.refetch(runCtx)
	go lq.worker(runCtx)

	lq.logger.Debug("live query opened", "collection", spec.Query.Collection,
		"scope", spec.scope(), "events", spec.Events)
	return lq, nil
}

// Run is the scoped form of Open: fn receives the initial snapshot and every
// replacement until ctx is done; the subscription is always released.
func Run(ctx context.Context, src Source, spec Spec, fn func([]domain.Record), opts ...Option) error {
	lq, err := Open(ctx, src, spec, opts...)
	if err != nil {
		return err
	}
	defer lq.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case recs, ok := <-lq.Updates():
			if !ok {
				return nil
			}
			fn(recs)
		}
	}
}

// notify is the change callback. It never blocks: a pending kick already
// guarantees one more refetch after the current one.
func (lq *LiveQuery) notify(ev domain.ChangeEvent) {
	lq.logger.Debug("change received", "type", ev.Type, "record_id", ev.RecordID)
	select {
	case lq.kick <- struct{}{}:
	default:
	}
}

func (lq *LiveQuery) worker(ctx context.Context) {
	defer close(lq.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-lq.kick:
			lq.refetch(ctx)
		}
	}
}

// Refresh forces a refetch and returns its error, if any.
func (lq *LiveQuery) Refresh(ctx context.Context) error {
	lq.mu.RLock()
	closed := lq.closed
	lq.mu.RUnlock()
	if closed {
		return fmt.Errorf("live query %q: closed", lq.spec.Name)
	}
	return lq.refetch(ctx)
}

func (lq *LiveQuery) refetch(ctx context.Context) error {
	lq.fetchMu.Lock()
	defer lq.fetchMu.Unlock()

	if lq.opts.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lq.opts.fetchTimeout)
		defer cancel()
	}

	recs, degraded, err := lq.fetch(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Torn down mid-fetch; keep whatever is already published.
		return err
	}
	lq.apply(recs, degraded, err)
	return err
}

func (lq *LiveQuery) fetch(ctx context.Context) ([]domain.Record, bool, error) {
	q := lq.spec.Query
	recs, err := lq.src.Select(ctx, q)
	if err == nil {
		return recs, false, nil
	}
	if len(q.Joins) == 0 {
		lq.logger.Error("fetch failed", "collection", q.Collection, "error", err)
		return nil, false, err
	}

	lq.logger.Warn("joined fetch failed, falling back to base records",
		"collection", q.Collection, "error", err)
	base, baseErr := lq.src.Select(ctx, q.WithoutJoins())
	if baseErr != nil {
		lq.logger.Error("fallback fetch failed", "collection", q.Collection, "error", baseErr)
		return nil, false, errors.Join(err, baseErr)
	}
	for _, r := range base {
		fillPlaceholders(r, q.Joins)
	}
	return base, true, nil
}

func fillPlaceholders(r domain.Record, joins []port.Join) {
	for _, j := range joins {
		nested := make(domain.Record, len(j.Fields))
		for _, f := range j.Fields {
			nested[f] = Placeholder
		}
		r[j.Alias] = nested
	}
}

func (lq *LiveQuery) apply(recs []domain.Record, degraded bool, err error) {
	if recs == nil {
		recs = []domain.Record{}
	}
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.closed {
		return
	}
	lq.records = recs
	lq.degraded = degraded
	lq.err = err

	select {
	case <-lq.updates:
	default:
	}
	lq.updates <- snapshot(recs)
}

// Records returns the current record set.
func (lq *LiveQuery) Records() []domain.Record {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	return snapshot(lq.records)
}

// Updates carries the latest record set after every fetch; slow readers only
// see the most recent one. Closed by Close.
func (lq *LiveQuery) Updates() <-chan []domain.Record {
	return lq.updates
}

// Err reports why the last fetch produced no records, or nil.
func (lq *LiveQuery) Err() error {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	return lq.err
}

// Degraded reports whether the last fetch fell back to unjoined records.
func (lq *LiveQuery) Degraded() bool {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	return lq.degraded
}

// Close unsubscribes and stops the worker. Safe to call more than once.
func (lq *LiveQuery) Close() {
	lq.closeOnce.Do(func() {
		lq.sub.Unsubscribe()
		lq.cancel()
		<-lq.done

		lq.mu.Lock()
		lq.closed = true
		close(lq.updates)
		lq.mu.Unlock()
		lq.logger.Debug("live query closed")
	})
}

func snapshot(recs []domain.Record) []domain.Record {
	out := make([]domain.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

// DisplayName reads alias.display_name from a joined record, or Placeholder
// when the relation is missing or blank.
func DisplayName(rec domain.Record, alias string) string {
	if name := rec.Nested(alias).String("display_name"); name != "" {
		return name
	}
	return Placeholder
}
