package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness and database reachability.
type HealthHandler struct {
	appName string
	version string
	db      Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(appName, version string, db Pinger) *HealthHandler {
	return &HealthHandler{appName: appName, version: version, db: db}
}

// Register sets up the health route.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
}

// Health returns 200 when the database answers, 503 otherwise.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "unhealthy",
			"app":      h.appName,
			"database": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"app":     h.appName,
		"version": h.version,
	})
}
