package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v3"
)

// APIKeyHeader carries the backend's public key on every client request.
const APIKeyHeader = "apikey"

// APIKey rejects requests that do not present the public key, either in the
// apikey header or, for event streams, the apikey query parameter.
func APIKey(publicKey string) fiber.Handler {
	want := []byte(publicKey)
	return func(c fiber.Ctx) error {
		got := c.Get(APIKeyHeader)
		if got == "" {
			got = c.Query(APIKeyHeader)
		}
		if publicKey == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid api key",
				"code":  "invalid_api_key",
			})
		}
		return c.Next()
	}
}
