package handler

import (
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/middleware"
	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/internal/service"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// RegisterPublic sets up the routes reachable without a session. The
// callback lives outside /api because identity providers redirect the
// browser there directly.
func (h *AuthHandler) RegisterPublic(app *fiber.App, api fiber.Router) {
	auth := api.Group("/auth")
	auth.Get("/:provider/login", h.Login)
	auth.Post("/refresh", h.Refresh)

	// Shared callback route; every provider redirects here.
	// Provider is encoded in the state param as "provider:random".
	app.Get("/auth/callback", h.Callback)
}

// RegisterProtected sets up routes that need a valid access token.
func (h *AuthHandler) RegisterProtected(router fiber.Router) {
	auth := router.Group("/auth")
	auth.Post("/logout", h.Logout)
	auth.Get("/user", h.User)
}

// Login redirects to the OAuth2 provider's consent screen.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	authURL, err := h.authService.GetAuthURL(c.Params("provider"), c.Query("redirect_to"))
	if err != nil {
		return fail(c, err)
	}
	return c.Redirect().To(authURL)
}

// Callback finishes the OAuth2 round trip and hands the session to the
// application through the redirect target's query string.
func (h *AuthHandler) Callback(c fiber.Ctx) error {
	if reason := c.Query("error"); reason != "" {
		return badRequest(c, "provider denied sign-in: "+reason)
	}
	code := c.Query("code")
	if code == "" {
		return badRequest(c, "missing authorization code")
	}

	sess, redirectTo, err := h.authService.HandleCallback(c.Context(), c.Query("state"), code)
	if err != nil {
		return fail(c, err)
	}

	target, err := url.Parse(redirectTo)
	if err != nil {
		return badRequest(c, "invalid redirect target")
	}
	q := target.Query()
	q.Set("access_token", sess.AccessToken)
	q.Set("refresh_token", sess.RefreshToken)
	q.Set("expires_at", strconv.FormatInt(sess.ExpiresAt.Unix(), 10))
	target.RawQuery = q.Encode()
	return c.Redirect().To(target.String())
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token into a new session.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "invalid request")
	}
	sess, err := h.authService.Refresh(c.Context(), body.RefreshToken)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(sess)
}

// Logout revokes the current session's refresh token.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	if err := h.authService.Logout(c.Context(), middleware.GetUserContext(c)); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// User returns the identity behind the access token.
func (h *AuthHandler) User(c fiber.Ctx) error {
	uc := middleware.GetUserContext(c)
	if uc == nil {
		return fail(c, port.ErrUnauthorized)
	}
	return c.JSON(domain.SessionUser{ID: uc.UserID, Email: uc.Email})
}
