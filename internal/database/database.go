package database

import (
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"siteline/internal/analytics"
	"siteline/internal/config"
	"siteline/internal/consent"
	"siteline/internal/events"
	"siteline/internal/goals"
	"siteline/internal/sessions"
	"siteline/internal/settings"
	"siteline/internal/sites"
	"siteline/internal/visitors"
)

// DBManager wraps cartridge's sqlite.Manager with the siteline schema.
type DBManager struct {
	*sqlite.Manager
	logger *slog.Logger
}

// NewDBManager creates a new database manager using cartridge's sqlite.Manager.
func NewDBManager(cfg *config.Config, logger *slog.Logger) *DBManager {
	sqliteCfg := sqlite.Config{
		Path:         cfg.GetDatabasePath(),
		MaxOpenConns: cfg.GetMaxOpenConns(),
		MaxIdleConns: cfg.GetMaxIdleConns(),
		Logger:       logger,
		EnableWAL:    true,
		TxImmediate:  true,
		BusyTimeout:  5000,
	}

	return &DBManager{
		Manager: sqlite.NewManager(sqliteCfg),
		logger:  logger,
	}
}

// Init initializes the database connection.
func (dm *DBManager) Init() error {
	_, err := dm.Manager.Connect()
	return err
}

// Close releases the connection pool.
func (dm *DBManager) Close() error {
	db := dm.GetConnection()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MigrateDatabase brings the schema up to date and checkpoints the WAL.
func (dm *DBManager) MigrateDatabase() error {
	db := dm.GetConnection()
	if db == nil {
		return gorm.ErrInvalidDB
	}

	if err := Migrate(db); err != nil {
		dm.logger.Error("Failed to auto-migrate database", slog.Any("error", err))
		return err
	}

	if err := dm.CheckpointWAL("FULL"); err != nil {
		dm.logger.Warn("Failed to checkpoint WAL after migration", slog.Any("error", err))
	}

	dm.logger.Info("Database migration completed successfully")
	return nil
}

// indexes the models cannot express through tags. The unique constraints
// back the concurrent upserts of visitors and sessions.
var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_visitors_site_fingerprint ON visitors(site_id, fingerprint)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_token ON sessions(site_id, token) WHERE ended_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_site_started ON sessions(site_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_page_views_site_timestamp ON page_views(site_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_timestamp ON events(site_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_conversions_site_converted ON conversions(site_id, converted_at)`,
}

// Migrate creates or updates every table and index.
func Migrate(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		err := tx.AutoMigrate(
			&settings.Setting{},
			&sites.Site{},
			&visitors.Visitor{},
			&sessions.Session{},
			&events.PageView{},
			&events.Event{},
			&goals.Goal{},
			&goals.Conversion{},
			&consent.Consent{},
			&analytics.Aggregate{},
		)
		if err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		for _, stmt := range indexes {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("create index: %w", err)
			}
		}
		return nil
	})
}
