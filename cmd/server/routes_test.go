package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/barnstaff/internal/handler"
	"github.com/arturoeanton/barnstaff/internal/middleware"
)

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func TestMountAPI_HealthRequiresKey(t *testing.T) {
	app := fiber.New()
	pass := func(c fiber.Ctx) error { return c.Next() }
	mountAPI(app, "pk-test", pass, handler.NewHealthHandler("barnstaff", "test", okPinger{}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(middleware.APIKeyHeader, "pk-test")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
