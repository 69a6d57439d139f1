package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// APIKeyHeader carries a site API key for clients that cannot set
// Authorization.
const APIKeyHeader = "X-API-Key"

// apiKeyFrom extracts the API key of a request.
// Accepts: Authorization: Bearer <api_key>, or X-API-Key: <api_key>
func apiKeyFrom(c *fiber.Ctx) string {
	if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
		scheme, key, ok := strings.Cut(authHeader, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(key)
		}
		// Any other scheme is taken as the raw key.
		return strings.TrimSpace(authHeader)
	}
	return strings.TrimSpace(c.Get(APIKeyHeader))
}
