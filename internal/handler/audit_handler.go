package handler

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/middleware"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// AuditLister reads back the audit trail.
type AuditLister interface {
	ListAuditLogs(ctx context.Context, limit int, action string) ([]domain.AuditLog, error)
}

// AuditHandler handles audit log endpoints.
type AuditHandler struct {
	store AuditLister
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(store AuditLister) *AuditHandler {
	return &AuditHandler{store: store}
}

// Register sets up audit routes.
func (h *AuditHandler) Register(router fiber.Router) {
	audit := router.Group("/audit")
	audit.Get("/logs", h.ListLogs)
}

// ListLogs returns audit logs with optional filtering. Admins only.
func (h *AuditHandler) ListLogs(c fiber.Ctx) error {
	if !middleware.GetUserContext(c).IsAdmin() {
		return fail(c, port.ErrForbidden)
	}

	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	action := c.Query("action", "")

	logs, err := h.store.ListAuditLogs(c.Context(), limit, action)
	if err != nil {
		return fail(c, err)
	}
	if logs == nil {
		logs = []domain.AuditLog{}
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"count": len(logs),
	})
}
