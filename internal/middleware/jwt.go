package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// JWTConfig holds JWT middleware configuration.
type JWTConfig struct {
	Secret    string
	Issuer    string
	ExpiresIn time.Duration
}

// JWTMiddleware creates a Fiber middleware that validates access tokens
// and injects a UserContext into the request context.
func JWTMiddleware(cfg JWTConfig) fiber.Handler {
	return func(c fiber.Ctx) error {
		var token string

		// Try Authorization header first
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				token = parts[1]
			}
		}

		// Fallback: ?token= query param (for SSE/EventSource which can't set headers)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing authorization",
				"code":  "unauthorized",
			})
		}

		claims, err := ParseAccessToken(token, cfg)
		if err != nil {
			code := "token_invalid"
			if errors.Is(err, port.ErrTokenExpired) {
				code = "token_expired"
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": err.Error(),
				"code":  code,
			})
		}

		c.Locals("user", claims.UserContext())
		return c.Next()
	}
}

// GetUserContext extracts the UserContext from Fiber locals.
func GetUserContext(c fiber.Ctx) *domain.UserContext {
	u, ok := c.Locals("user").(*domain.UserContext)
	if !ok {
		return nil
	}
	return u
}

// --- JWT Claims & Helpers ---

// Claims is the access-token payload. Subject is the user id.
type Claims struct {
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	SessionID string      `json:"sid"`
	jwt.RegisteredClaims
}

// UserContext converts the claims into the request-scoped caller.
func (c *Claims) UserContext() *domain.UserContext {
	return &domain.UserContext{
		UserID:    c.Subject,
		Email:     c.Email,
		Role:      c.Role,
		SessionID: c.SessionID,
	}
}

// GenerateAccessToken signs an access token for user, valid from now for
// cfg.ExpiresIn. It returns the token and its expiry.
func GenerateAccessToken(user domain.UserContext, cfg JWTConfig, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(cfg.ExpiresIn)
	claims := Claims{
		Email:     user.Email,
		Role:      user.Role,
		SessionID: user.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates signature, issuer and expiry.
func ParseAccessToken(tokenStr string, cfg JWTConfig) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, port.ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", port.ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", port.ErrTokenInvalid)
	}
	return &claims, nil
}
