package settings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/cache"
	"gorm.io/gorm"

	"siteline/internal/models"
)

// Keys of list settings editable at runtime.
const (
	KeyExcludedIPs        = "excluded_ips"
	KeyExcludedUserAgents = "excluded_user_agents"
	KeyExcludedPaths      = "excluded_paths"
)

// Setting represents a configuration item in the database
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"uniqueIndex;not null"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:milli"`
}

// Store reads list settings through a TTL cache. Values from the database are
// merged with the static lists from configuration.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	lists    *cache.Cache[string, []string]
	defaults map[string][]string
}

// NewStore builds a settings store. defaults maps setting keys onto config lists.
func NewStore(db *gorm.DB, logger *slog.Logger, ttl time.Duration, defaults map[string][]string) *Store {
	s := &Store{db: db, logger: logger, defaults: defaults}
	fetchFunc := func(key string) ([]string, error) {
		var value string
		err := db.WithContext(context.Background()).Raw("SELECT value FROM settings WHERE key = ? LIMIT 1", key).Scan(&value).Error
		if err != nil {
			return nil, err
		}
		return splitList(value), nil
	}
	s.lists = cache.NewCache[string, []string](logger, ttl, fetchFunc)
	return s
}

// List returns the merged values for key.
func (s *Store) List(key string) ([]string, error) {
	stored, err := s.lists.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	merged := append([]string{}, s.defaults[key]...)
	return append(merged, stored...), nil
}

func (s *Store) ExcludedIPs() ([]string, error)        { return s.List(KeyExcludedIPs) }
func (s *Store) ExcludedUserAgents() ([]string, error) { return s.List(KeyExcludedUserAgents) }
func (s *Store) ExcludedPaths() ([]string, error)      { return s.List(KeyExcludedPaths) }

// Get retrieves a raw setting value from the database
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var setting Setting
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

// Set upserts a setting and drops cached lists.
func (s *Store) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	err := models.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Exec(`
			INSERT INTO settings (key, value, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, now, now).Error
	})
	if err != nil {
		s.logger.Error("Failed to upsert setting", slog.String("key", key), slog.Any("error", err))
		return fmt.Errorf("failed to upsert setting %s: %w", key, err)
	}
	s.lists.Clear()
	return nil
}

// SetList stores values as a comma separated list.
func (s *Store) SetList(ctx context.Context, key string, values []string) error {
	return s.Set(ctx, key, strings.Join(values, ","))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
