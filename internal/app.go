// Package internal assembles the siteline components into a runnable
// application.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	v1 "siteline/api/v1"
	"siteline/internal/analytics"
	"siteline/internal/config"
	"siteline/internal/consent"
	"siteline/internal/database"
	"siteline/internal/events"
	"siteline/internal/goals"
	"siteline/internal/jobs"
	"siteline/internal/logging"
	"siteline/internal/notify"
	"siteline/internal/pkg/geoip"
	"siteline/internal/ratelimit"
	"siteline/internal/scope"
	"siteline/internal/sessions"
	"siteline/internal/settings"
	"siteline/internal/sites"
	"siteline/internal/timeframe"
	"siteline/internal/tracking"
	"siteline/internal/visitors"
)

const (
	settingsCacheTTL = 5 * time.Minute
	goalsCacheTTL    = time.Minute
	rollupInterval   = time.Hour
	retentionPeriod  = 24 * time.Hour
)

// Application wires configuration, storage, the domain services, background
// jobs and the HTTP server.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBManager *database.DBManager
	Server    *fiber.App
	Scheduler *jobs.Scheduler
	Tracking  *tracking.Service
	Analytics *analytics.Engine
	Goals     *goals.Engine
	Sites     *sites.Repository
	Bus       *notify.Bus

	locator *geoip.Locator
	limiter *ratelimit.Limiter
}

// NewApp creates an application from the process configuration.
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg, logging.New(cfg))
}

// NewAppWithConfig connects the database and builds every component. It does
// not migrate the schema; call DBManager.MigrateDatabase first.
func NewAppWithConfig(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return newApplication(cfg, logger, dbManager)
}

func newApplication(cfg *config.Config, logger *slog.Logger, dbManager *database.DBManager) (*Application, error) {
	db := dbManager.GetConnection()
	repo := sites.NewRepository(db, logger)

	keys := &scope.APIKeyResolver{Finder: repo, Hasher: scope.NewKeyHasher(cfg.PrivateKey), Logger: logger}
	chain := scope.NewChain(repo, cfg.DefaultSiteID, logger,
		keys,
		&scope.HeaderResolver{Finder: repo, Header: cfg.SiteHeader},
		&scope.SubdomainResolver{Finder: repo, BaseDomain: cfg.TrackingDomain},
		&scope.DomainResolver{Finder: repo, BaseDomain: sites.BaseDomainForHost},
		&scope.ExplicitIDResolver{Finder: repo},
	)
	statsChain := scope.NewChain(repo, 0, logger, keys)

	exclusions := settings.NewStore(db, logger, settingsCacheTTL, map[string][]string{
		settings.KeyExcludedIPs:        cfg.ExcludedIPs,
		settings.KeyExcludedUserAgents: cfg.ExcludedUserAgents,
		settings.KeyExcludedPaths:      cfg.ExcludedPaths,
	})
	gate := consent.NewGate(consent.GateConfig{
		TrackingEnabled: cfg.TrackingEnabled,
		HonorDoNotTrack: cfg.HonorDoNotTrack,
		ConsentRequired: cfg.ConsentRequired,
		Category:        cfg.ConsentCategory,
	}, exclusions, consent.NewStore(db, logger), logger)

	schemas, err := events.LoadSchemas(cfg.EventSchemasPath)
	if err != nil {
		return nil, err
	}
	bus := notify.NewBus(logger)
	goalEngine := goals.NewEngine(db, logger, bus, goalsCacheTTL)
	pipeline := events.NewPipeline(db, logger, events.PipelineOptions{
		Schemas:          schemas,
		Matcher:          goalEngine,
		Publisher:        bus,
		EngagementEvents: cfg.EngagementEvents,
		MaxPropertyBytes: cfg.MaxPropertyBytes,
	})
	bus.Subscribe(goals.GoalConverted{}.Name(), "log", func(_ context.Context, n notify.Notification) error {
		converted, ok := n.(goals.GoalConverted)
		if !ok || converted.Goal == nil {
			return nil
		}
		logger.Info("Goal converted",
			slog.Uint64("site_id", uint64(converted.Goal.SiteID)),
			slog.Uint64("goal_id", uint64(converted.Goal.ID)),
			slog.String("goal", converted.Goal.Name))
		return nil
	})

	engine, err := analytics.NewEngine(db, logger, goalEngine, analytics.Options{
		CacheTTL: cfg.QueryCacheTTL(),
		Timeout:  cfg.QueryTimeout(),
	})
	if err != nil {
		return nil, err
	}

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		Analytics: engine,
		Goals:     goalEngine,
		Sites:     repo,
		Bus:       bus,
		locator:   geoip.Open(cfg.GeoDBPath, logger),
	}

	opts := tracking.Options{Salt: cfg.PrivateKey, Locator: app.locator, MaxBackdate: cfg.SafetyMargin()}
	if cfg.RateLimitRequests > 0 {
		app.limiter, err = ratelimit.New(ratelimit.Options{
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow(),
		})
		if err != nil {
			engine.Close()
			return nil, err
		}
		opts.Limiter = app.limiter
	}
	manager := sessions.NewManager(db, logger, cfg.SessionTimeout())
	app.Tracking = tracking.NewService(gate, visitors.NewResolver(db, logger), manager, pipeline, logger, opts)

	roller := analytics.NewRoller(db, logger)
	app.Scheduler = jobs.NewScheduler(logger)
	app.Scheduler.Add(jobs.NewSessionSweepJob(manager, logger, nil), time.Duration(cfg.JobIntervalSeconds)*time.Second)
	app.Scheduler.Add(jobs.NewRollupJob(db, repo, roller, logger, cfg.SafetyMargin(), nil), rollupInterval)
	app.Scheduler.Add(jobs.NewRetentionJob(db, repo, roller, logger, jobs.RetentionOptions{
		RetentionDays:         cfg.RetentionDays,
		AggregateBeforeDelete: cfg.AggregateBeforeDelete,
		SafetyMargin:          cfg.SafetyMargin(),
	}), retentionPeriod)

	app.Server = NewServer(cfg.AppName, RouteDeps{
		DB:         db,
		Logger:     logger,
		Chain:      chain,
		StatsChain: statsChain,
		Handler:    v1.NewHandler(app.Tracking, engine, timeframe.NewTimeFrameParser(), logger),
	})
	return app, nil
}

// StartAsync starts the background jobs and the HTTP listener without
// blocking.
func (a *Application) StartAsync() error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	addr := ":" + a.Config.AppPort
	go func() {
		a.Logger.Info("HTTP server listening", slog.String("addr", addr))
		if err := a.Server.Listen(addr); err != nil {
			a.Logger.Error("HTTP server stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and background
// jobs, then releases caches and the database.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Server.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	a.Scheduler.Stop()
	a.Analytics.Close()
	if a.limiter != nil {
		a.limiter.Close()
	}
	if err := a.locator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close geoip: %w", err))
	}
	if err := a.DBManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
