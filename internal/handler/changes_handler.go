package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/internal/service"
)

// ChangesHandler streams change notifications over Server-Sent Events.
type ChangesHandler struct {
	hub         *service.ChangeHub
	collections []string
	heartbeat   time.Duration
	lifetime    time.Duration
}

// NewChangesHandler creates a change stream for the named collections.
// Streams end after lifetime so clients reconnect with a fresh token.
func NewChangesHandler(hub *service.ChangeHub, collections []string, lifetime time.Duration) *ChangesHandler {
	return &ChangesHandler{
		hub:         hub,
		collections: collections,
		heartbeat:   25 * time.Second,
		lifetime:    lifetime,
	}
}

// Register sets up the change stream route.
func (h *ChangesHandler) Register(router fiber.Router) {
	router.Get("/changes", h.StreamSSE)
}

func parseEvents(raw string) (port.EventFilter, bool) {
	switch f := port.EventFilter(strings.ToUpper(raw)); f {
	case "", port.EventsAll:
		return port.EventsAll, true
	case port.EventsInsert, port.EventsUpdate, port.EventsDelete:
		return f, true
	default:
		return "", false
	}
}

// StreamSSE streams `event: change` frames for one collection. A `ready`
// frame is sent once the subscription is registered.
func (h *ChangesHandler) StreamSSE(c fiber.Ctx) error {
	collection := c.Query("collection")
	if !slices.Contains(h.collections, collection) {
		return fail(c, fmt.Errorf("%w: %q", port.ErrUnknownCollection, collection))
	}
	events, ok := parseEvents(c.Query("events"))
	if !ok {
		return badRequest(c, "events must be one of *, INSERT, UPDATE, DELETE")
	}

	ch := h.hub.Subscribe(collection, events)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	heartbeat, lifetime := h.heartbeat, h.lifetime
	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.hub.Unsubscribe(collection, ch)

		fmt.Fprintf(w, "event: ready\ndata: {\"collection\":%q}\n\n", collection)
		if err := w.Flush(); err != nil {
			return
		}

		ping := time.NewTicker(heartbeat)
		defer ping.Stop()

		var expired <-chan time.Time
		if lifetime > 0 {
			timer := time.NewTimer(lifetime)
			defer timer.Stop()
			expired = timer.C
		}

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			case <-ping.C:
				fmt.Fprint(w, ": ping\n\n")
			case <-expired:
				slog.Debug("change stream expired", "collection", collection)
				return
			}
			if err := w.Flush(); err != nil {
				// client went away
				return
			}
		}
	})
}
