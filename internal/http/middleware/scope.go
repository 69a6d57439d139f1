package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"siteline/internal/errs"
	"siteline/internal/scope"
)

// Scope resolves the site of every request and stores it in the user context.
// Dependencies are injected via the factory function.
func Scope(chain *scope.Chain, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		headers := make(map[string]string)
		c.Request().Header.VisitAll(func(key, value []byte) {
			headers[string(key)] = string(value)
		})
		req := scope.Request{
			APIKey:  apiKeyFrom(c),
			Headers: headers,
			Host:    c.Hostname(),
			SiteID:  c.Query("site_id"),
		}

		sc, err := chain.Resolve(c.UserContext(), req)
		if err != nil {
			switch {
			case errs.Is(err, errs.ErrUnauthorized):
				logger.Debug("Rejected request with invalid API key", slog.String("path", c.Path()))
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid API key"})
			case errs.Is(err, errs.ErrScopeUnresolved):
				logger.Debug("Could not resolve site for request",
					slog.String("path", c.Path()),
					slog.String("host", req.Host))
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown site"})
			}
			return err
		}

		c.SetUserContext(scope.WithScope(c.UserContext(), sc))
		c.Locals("site_id", sc.SiteID())
		return c.Next()
	}
}

// APIKeyScope is Scope for routes that read a site's data. Only an API key may
// select the site; a request without one is rejected before any resolver runs,
// so site headers, hosts and site_id parameters are never honored here.
// chain should hold the API key resolver alone.
func APIKeyScope(chain *scope.Chain, logger *slog.Logger) fiber.Handler {
	resolve := Scope(chain, logger)
	return func(c *fiber.Ctx) error {
		if apiKeyFrom(c) == "" {
			logger.Debug("Rejected request without API key", slog.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "API key required"})
		}
		return resolve(c)
	}
}
