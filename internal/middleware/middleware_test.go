package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

var testJWT = JWTConfig{Secret: "test-secret", Issuer: "barnstaff-test", ExpiresIn: time.Hour}

func sign(t *testing.T, cfg JWTConfig, now time.Time) string {
	t.Helper()
	token, _, err := GenerateAccessToken(domain.UserContext{
		UserID:    "u1",
		Email:     "sarah@barn.test",
		Role:      domain.RoleAdmin,
		SessionID: "s1",
	}, cfg, now)
	require.NoError(t, err)
	return token
}

func TestAccessToken_RoundTrip(t *testing.T) {
	now := time.Now()
	token, exp, err := GenerateAccessToken(domain.UserContext{UserID: "u1", Email: "a@barn.test", Role: domain.RoleStaff, SessionID: "s1"}, testJWT, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), exp, time.Second)

	claims, err := ParseAccessToken(token, testJWT)
	require.NoError(t, err)
	uc := claims.UserContext()
	assert.Equal(t, "u1", uc.UserID)
	assert.Equal(t, "a@barn.test", uc.Email)
	assert.Equal(t, domain.RoleStaff, uc.Role)
	assert.Equal(t, "s1", uc.SessionID)
}

func TestParseAccessToken_Rejects(t *testing.T) {
	expired := sign(t, testJWT, time.Now().Add(-2*time.Hour))
	_, err := ParseAccessToken(expired, testJWT)
	assert.ErrorIs(t, err, port.ErrTokenExpired)

	other := testJWT
	other.Issuer = "someone-else"
	_, err = ParseAccessToken(sign(t, other, time.Now()), testJWT)
	assert.ErrorIs(t, err, port.ErrTokenInvalid)

	other = testJWT
	other.Secret = "wrong"
	_, err = ParseAccessToken(sign(t, other, time.Now()), testJWT)
	assert.ErrorIs(t, err, port.ErrTokenInvalid)

	_, err = ParseAccessToken("not.a.token", testJWT)
	assert.ErrorIs(t, err, port.ErrTokenInvalid)
}

func jwtApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTMiddleware(testJWT))
	app.Get("/me", func(c fiber.Ctx) error {
		return c.JSON(GetUserContext(c))
	})
	return app
}

func TestJWTMiddleware(t *testing.T) {
	app := jwtApp()
	token := sign(t, testJWT, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uc domain.UserContext
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uc))
	assert.Equal(t, "u1", uc.UserID)
	assert.True(t, uc.IsAdmin())

	// Event streams pass the token as a query parameter.
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJWTMiddleware_Unauthorized(t *testing.T) {
	app := jwtApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, testJWT, time.Now().Add(-3*time.Hour)))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "token_expired")
}

func TestAPIKey(t *testing.T) {
	app := fiber.New()
	app.Use(APIKey("pk-test"))
	app.Get("/", func(c fiber.Ctx) error { return c.SendString("ok") })

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "pk-nope", "", http.StatusUnauthorized},
		{"header", "pk-test", "", http.StatusOK},
		{"query", "", "?apikey=pk-test", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set(APIKeyHeader, tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAPIKey_EmptyKeyRejectsEverything(t *testing.T) {
	app := fiber.New()
	app.Use(APIKey(""))
	app.Get("/", func(c fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, rate.Limit(1), 1)
	app := fiber.New()
	app.Use(rl.Handler())
	app.Get("/", func(c fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

type auditEntry struct {
	userID, action, resource, resourceID string
}

type chanAuditWriter chan auditEntry

func (w chanAuditWriter) WriteAudit(userID, action, resource, resourceID, _, _, _ string) error {
	w <- auditEntry{userID, action, resource, resourceID}
	return nil
}

func TestAuditMiddleware(t *testing.T) {
	writes := make(chanAuditWriter, 1)
	app := fiber.New()
	app.Use(AuditMiddleware(writes))
	app.Use(JWTMiddleware(testJWT))
	app.Get("/api/v1/records/:collection", func(c fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records/horses", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, testJWT, time.Now()))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case got := <-writes:
		assert.Equal(t, auditEntry{"u1", domain.AuditActionHTTP, "records", "/api/v1/records/horses"}, got)
	case <-time.After(time.Second):
		t.Fatal("audit entry not written")
	}
}

func TestResourceOf(t *testing.T) {
	assert.Equal(t, "records", resourceOf("/api/v1/records/horses/1"))
	assert.Equal(t, "changes", resourceOf("/api/v1/changes"))
	assert.Equal(t, "api", resourceOf("/auth/callback"))
	assert.Equal(t, "api", resourceOf("/api/v1/"))
}

func TestMetrics_CountsRoutes(t *testing.T) {
	app := fiber.New()
	app.Use(Metrics())
	app.Get("/ping", func(c fiber.Ctx) error { return c.SendString("pong") })
	app.Get("/metrics", MetricsHandler())

	_, err := app.Test(httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `barnstaff_http_requests_total{method="GET",route="/ping",status="200"}`)
}
