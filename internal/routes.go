package internal

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	v1 "siteline/api/v1"
	"siteline/internal/http"
	"siteline/internal/http/middleware"
	"siteline/internal/scope"
)

// publicCORSConfig is the permissive CORS setup of the tracking API, which
// browsers call from every tracked site.
var publicCORSConfig = cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent, X-API-Key, X-Site-Id, X-Session-Token",
}

// RouteDeps are the collaborators the routes need. Chain resolves the site of
// tracking calls; StatsChain resolves analytics reads by API key only.
type RouteDeps struct {
	DB         *gorm.DB
	Logger     *slog.Logger
	Chain      *scope.Chain
	StatsChain *scope.Chain
	Handler    *v1.Handler
}

// NewServer builds the fiber app with every route mounted.
func NewServer(appName string, deps RouteDeps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               appName,
		ErrorHandler:          middleware.ErrorHandler(deps.Logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	MountRoutes(app, deps)
	return app
}

// MountRoutes mounts all application routes.
func MountRoutes(app *fiber.App, deps RouteDeps) {
	health := http.HealthHandler(deps.DB, deps.Logger)
	app.Get("/_health", health)
	app.Head("/_health", health)
	app.Get("/metrics", http.MetricsHandler())

	// CORS runs before scope resolution so rejected requests still carry
	// CORS headers.
	api := app.Group("/api/v1", cors.New(publicCORSConfig))
	deps.Handler.Mount(api,
		middleware.Scope(deps.Chain, deps.Logger),
		middleware.APIKeyScope(deps.StatsChain, deps.Logger))
}
