package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

var (
	changesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barnstaff_changes_published_total",
		Help: "Change notifications received from the database, by collection and type.",
	}, []string{"collection", "type"})

	changesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "barnstaff_changes_dropped_total",
		Help: "Change notifications dropped because a subscriber buffer was full.",
	})

	changeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barnstaff_change_subscribers",
		Help: "Open change stream subscriptions.",
	})
)

// subscriberBuffer is the per-subscriber channel capacity. Change events
// carry no row data, so a full buffer only means the client already has a
// refetch pending.
const subscriberBuffer = 16

type subscriber struct {
	ch     chan domain.ChangeEvent
	events port.EventFilter
}

// ChangeHub fans database change notifications out to stream subscribers,
// keyed by collection.
type ChangeHub struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

// NewChangeHub creates an empty hub.
func NewChangeHub() *ChangeHub {
	return &ChangeHub{subs: make(map[string][]*subscriber)}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *ChangeHub) Publish(ev domain.ChangeEvent) {
	changesPublished.WithLabelValues(ev.Collection, string(ev.Type)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[ev.Collection] {
		if !s.events.Matches(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			changesDropped.Inc()
		}
	}
}

// Subscribe returns a channel that receives changes to collection that pass
// events. Release it with Unsubscribe.
func (h *ChangeHub) Subscribe(collection string, events port.EventFilter) chan domain.ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &subscriber{ch: make(chan domain.ChangeEvent, subscriberBuffer), events: events}
	h.subs[collection] = append(h.subs[collection], s)
	changeSubscribers.Inc()
	return s.ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (h *ChangeHub) Unsubscribe(collection string, ch chan domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[collection]
	for i, s := range subs {
		if s.ch == ch {
			h.subs[collection] = append(subs[:i], subs[i+1:]...)
			if len(h.subs[collection]) == 0 {
				delete(h.subs, collection)
			}
			close(ch)
			changeSubscribers.Dec()
			return
		}
	}
}

// Subscribers reports the number of open subscriptions on collection.
func (h *ChangeHub) Subscribers(collection string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[collection])
}
