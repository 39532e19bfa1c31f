package main

import (
	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/barnstaff/internal/handler"
	"github.com/arturoeanton/barnstaff/internal/middleware"
)

// mountAPI creates the /api/v1 group. Every route on it, health included,
// requires the public key; /auth routes are also rate limited.
func mountAPI(app *fiber.App, publicKey string, authLimit fiber.Handler, health *handler.HealthHandler) fiber.Router {
	app.Use("/auth", authLimit)

	api := app.Group("/api/v1")
	api.Use(middleware.APIKey(publicKey))
	api.Use("/auth", authLimit)
	health.Register(api)
	return api
}
