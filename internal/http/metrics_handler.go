package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"siteline/internal/metrics"
)

// MetricsHandler serves the Prometheus collectors.
func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(metrics.Handler())
}
