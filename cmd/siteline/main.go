// main.go - siteline HTTP server
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"siteline/internal"
	"siteline/internal/analytics"
	"siteline/internal/config"
	"siteline/internal/errs"
	"siteline/internal/logging"
	"siteline/internal/scope"
	"siteline/internal/seeder"
	"siteline/internal/sites"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seed" {
		if err := runSeed(os.Args[2:]); err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
		return
	}

	app, err := internal.NewApp()
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed")

	log.Println("Starting application...")
	if err := app.StartAsync(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	log.Println("Application started successfully")

	waitForShutdownSignal(app)
}

// waitForShutdownSignal blocks until a termination signal, then shuts down
// within defaultShutdownTimeout.
func waitForShutdownSignal(app *internal.Application) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	log.Println("Initiating graceful shutdown...")
	if err := app.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
	log.Println("Server shutdown complete")
}

// runSeed fills a site with demo goals and traffic. The site is created when
// no site owns the domain yet.
func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	domain := fs.String("domain", "demo.localhost", "domain of the site to seed")
	count := fs.Int("sessions", 500, "number of journeys to replay")
	days := fs.Int("days", 30, "spread journeys over this many past days")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.GetConfig()
	cfg.RateLimitRequests = 0
	logger := logging.New(cfg)
	app, err := internal.NewAppWithConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return err
	}

	ctx := context.Background()
	info, err := app.Sites.FindByDomain(ctx, *domain)
	if errs.Is(err, errs.ErrNotFound) {
		site, serr := sites.NewSite(sites.NewSiteParams{Name: *domain, Domain: *domain}, time.Now())
		if serr != nil {
			return serr
		}
		if serr := app.Sites.Create(ctx, site); serr != nil {
			return serr
		}
		log.Printf("Created site %s (id %d)", site.Domain, site.ID)
		info, err = site.Info(), nil
	}
	if err != nil {
		return err
	}
	ctx = scope.WithScope(ctx, scope.New(info))

	roller := analytics.NewRoller(app.DBManager.GetConnection(), logger)
	s := seeder.New(app.Tracking, app.Goals, logger, *seed, time.Now).WithRoller(roller)
	if _, err := s.SeedGoals(ctx); err != nil {
		return err
	}
	stats, err := s.SeedTraffic(ctx, *count, *days)
	if err != nil {
		return err
	}
	log.Printf("Seeded %d sessions, %d page views and %d events (%d dropped)",
		stats.Sessions, stats.PageViews, stats.Events, stats.Dropped)
	return nil
}
