package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

// ChangeChannel is the NOTIFY channel the schema triggers publish on.
const ChangeChannel = "record_changes"

// ChangeListener turns Postgres notifications into domain change events.
type ChangeListener struct {
	dsn     string
	logger  *slog.Logger
	minWait time.Duration
	maxWait time.Duration
}

// NewChangeListener creates a listener for databaseURL.
func NewChangeListener(databaseURL string, logger *slog.Logger) *ChangeListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeListener{
		dsn:     databaseURL,
		logger:  logger.With("component", "change_listener"),
		minWait: time.Second,
		maxWait: time.Minute,
	}
}

// Run listens until ctx is done, calling publish for every change. The
// underlying connection reconnects on its own; a reconnect may have
// dropped notifications, so publish receives a synthetic wildcard event
// for every collection afterwards.
func (l *ChangeListener) Run(ctx context.Context, publish func(domain.ChangeEvent)) error {
	listener := pq.NewListener(l.dsn, l.minWait, l.maxWait, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Info("change listener connected")
		case pq.ListenerEventDisconnected:
			l.logger.Warn("change listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			l.logger.Info("change listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.Error("change listener connection failed", "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// nil follows a reconnect.
				now := time.Now().UTC()
				for _, name := range Collections() {
					publish(domain.ChangeEvent{Collection: name, Type: domain.EventUpdate, At: now})
				}
				continue
			}
			ev, err := ParseNotification(n.Extra)
			if err != nil {
				l.logger.Warn("dropping malformed notification", "payload", n.Extra, "error", err)
				continue
			}
			publish(ev)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("change listener ping failed", "error", err)
				}
			}()
		}
	}
}

// ParseNotification decodes a record_changes payload.
func ParseNotification(payload string) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("decode change: %w", err)
	}
	if ev.Collection == "" {
		return domain.ChangeEvent{}, fmt.Errorf("decode change: missing collection")
	}
	switch ev.Type {
	case domain.EventInsert, domain.EventUpdate, domain.EventDelete:
	default:
		return domain.ChangeEvent{}, fmt.Errorf("decode change: unknown type %q", ev.Type)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev, nil
}
