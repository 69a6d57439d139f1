package middleware

import (
	"errors"
	"log/slog"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"siteline/internal/errs"
)

// ErrorHandler renders handler errors as JSON, mapping domain error kinds onto
// status codes. Unknown errors are logged and reported as 500.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
		}

		status := fiber.StatusInternalServerError
		message := "Internal server error"
		switch {
		case errs.Is(err, errs.ErrRateLimited):
			status, message = fiber.StatusTooManyRequests, "Too many requests"
			if after, ok := errs.RetryAfter(err); ok {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(after.Seconds()))))
			}
		case errs.Is(err, errs.ErrValidationFailed):
			status, message = fiber.StatusUnprocessableEntity, err.Error()
		case errs.Is(err, errs.ErrUnauthorized):
			status, message = fiber.StatusUnauthorized, "Invalid API key"
		case errs.Is(err, errs.ErrScopeUnresolved):
			status, message = fiber.StatusBadRequest, "Unknown site"
		case errs.Is(err, errs.ErrTenantBoundaryViolation):
			status, message = fiber.StatusForbidden, "Forbidden"
		case errs.Is(err, errs.ErrNotFound):
			status, message = fiber.StatusNotFound, err.Error()
		case errs.Is(err, errs.ErrQueryTimeout):
			status, message = fiber.StatusGatewayTimeout, "Query timed out"
		default:
			logger.Error("Request failed",
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.Any("error", err))
		}
		return c.Status(status).JSON(fiber.Map{"error": message})
	}
}
