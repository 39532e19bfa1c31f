package handler

import (
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/barnstaff/internal/port"
)

var statusByCode = map[string]int{
	"not_found":          fiber.StatusNotFound,
	"unknown_collection": fiber.StatusNotFound,
	"unknown_rpc":        fiber.StatusNotFound,
	"invalid_record":     fiber.StatusBadRequest,
	"unknown_provider":   fiber.StatusBadRequest,
	"forbidden":          fiber.StatusForbidden,
	"token_expired":      fiber.StatusUnauthorized,
	"token_invalid":      fiber.StatusUnauthorized,
	"unauthorized":       fiber.StatusUnauthorized,
}

// fail writes err as {"error", "code"} with the status its kind maps to.
func fail(c fiber.Ctx, err error) error {
	code := port.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		status = fiber.StatusInternalServerError
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
		"code":  "bad_request",
	})
}
