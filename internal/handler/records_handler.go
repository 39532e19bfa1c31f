package handler

import (
	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/middleware"
	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/internal/service"
)

// RecordsHandler exposes the generic collection API.
type RecordsHandler struct {
	records *service.RecordService
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(records *service.RecordService) *RecordsHandler {
	return &RecordsHandler{records: records}
}

// Register sets up record and rpc routes.
func (h *RecordsHandler) Register(router fiber.Router) {
	records := router.Group("/records/:collection")
	records.Post("/query", h.Query)
	records.Get("/:id", h.Get)
	records.Post("/", h.Insert)
	records.Put("/", h.Upsert)
	records.Patch("/:id", h.Update)
	records.Delete("/:id", h.Delete)

	router.Post("/rpc/:name", h.Call)
}

// Query runs a filtered, ordered, bounded read. The collection in the path
// wins over one in the body.
func (h *RecordsHandler) Query(c fiber.Ctx) error {
	var q port.Query
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&q); err != nil {
			return badRequest(c, "invalid query")
		}
	}
	q.Collection = c.Params("collection")

	rows, err := h.records.Query(c.Context(), middleware.GetUserContext(c), q)
	if err != nil {
		return fail(c, err)
	}
	if rows == nil {
		rows = []domain.Record{}
	}
	return c.JSON(rows)
}

// Get returns one row.
func (h *RecordsHandler) Get(c fiber.Ctx) error {
	rec, err := h.records.Get(c.Context(), middleware.GetUserContext(c), c.Params("collection"), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(rec)
}

// Insert creates a row.
func (h *RecordsHandler) Insert(c fiber.Ctx) error {
	rec, ok := h.body(c)
	if !ok {
		return badRequest(c, "invalid record")
	}
	out, err := h.records.Insert(c.Context(), middleware.GetUserContext(c), c.Params("collection"), rec)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(out)
}

// Upsert inserts or updates by id.
func (h *RecordsHandler) Upsert(c fiber.Ctx) error {
	rec, ok := h.body(c)
	if !ok {
		return badRequest(c, "invalid record")
	}
	out, err := h.records.Upsert(c.Context(), middleware.GetUserContext(c), c.Params("collection"), rec)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(out)
}

// Update patches a row.
func (h *RecordsHandler) Update(c fiber.Ctx) error {
	patch, ok := h.body(c)
	if !ok {
		return badRequest(c, "invalid patch")
	}
	out, err := h.records.Update(c.Context(), middleware.GetUserContext(c), c.Params("collection"), c.Params("id"), patch)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(out)
}

// Delete removes a row.
func (h *RecordsHandler) Delete(c fiber.Ctx) error {
	if err := h.records.Delete(c.Context(), middleware.GetUserContext(c), c.Params("collection"), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Call runs a named procedure. The body, if any, is its argument record.
func (h *RecordsHandler) Call(c fiber.Ctx) error {
	var args domain.Record
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&args); err != nil {
			return badRequest(c, "invalid arguments")
		}
	}
	if err := h.records.Call(c.Context(), middleware.GetUserContext(c), c.Params("name"), args); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (h *RecordsHandler) body(c fiber.Ctx) (domain.Record, bool) {
	var rec domain.Record
	if err := c.Bind().JSON(&rec); err != nil || rec == nil {
		return nil, false
	}
	return rec, true
}
