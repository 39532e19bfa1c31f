package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// SubscribeToChanges implements port.ChangeFeed. It returns once the server
// confirms the subscription. The stream then reconnects on its own until
// Unsubscribe; after every reconnect callback receives one synthetic event,
// since notifications may have been missed while disconnected.
func (c *Client) SubscribeToChanges(ctx context.Context, collection string, events port.EventFilter, callback func(domain.ChangeEvent)) (port.Subscription, error) {
	if events == "" {
		events = port.EventsAll
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ready := make(chan error, 1)
	go c.streamChanges(sctx, collection, events, callback, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	var once sync.Once
	return port.SubscriptionFunc(func() { once.Do(cancel) }), nil
}

// syntheticType picks an event type the subscriber's filter accepts.
func syntheticType(events port.EventFilter) domain.EventType {
	switch events {
	case port.EventsInsert:
		return domain.EventInsert
	case port.EventsDelete:
		return domain.EventDelete
	default:
		return domain.EventUpdate
	}
}

func (c *Client) streamChanges(ctx context.Context, collection string, events port.EventFilter, callback func(domain.ChangeEvent), ready chan<- error) {
	bo := c.newBackoff()
	first := true
	onReady := func() {
		bo.Reset()
		if first {
			first = false
			ready <- nil
			return
		}
		c.logger.Info("change stream reconnected", "collection", collection)
		callback(domain.ChangeEvent{Collection: collection, Type: syntheticType(events), At: c.now().UTC()})
	}

	for {
		err := c.streamOnce(ctx, collection, events, callback, onReady)
		if ctx.Err() != nil {
			return
		}
		if first {
			ready <- err
			return
		}
		if errors.Is(err, port.ErrTokenExpired) {
			_, err = c.refresh(ctx, true)
		}
		if errors.Is(err, port.ErrNoSession) {
			c.logger.Info("change stream stopped: signed out", "collection", collection)
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = bo.MaxInterval
		}
		c.logger.Warn("change stream interrupted", "collection", collection, "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, collection string, events port.EventFilter, callback func(domain.ChangeEvent), onReady func()) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	q := url.Values{"collection": {collection}, "events": {string(events)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/changes?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	return readEvents(resp.Body, func(event, data string) {
		switch event {
		case "ready":
			onReady()
		case "change":
			var ev domain.ChangeEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.logger.Warn("dropping malformed change", "data", data, "error", err)
				return
			}
			callback(ev)
		}
	})
}
