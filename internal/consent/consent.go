// Package consent records visitor consent and decides whether telemetry may be tracked.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/models"
	"siteline/internal/scope"
)

// Consent is one grant or revocation for (visitor, category).
type Consent struct {
	ID uint `gorm:"primaryKey" json:"id"`
	scope.Ownership
	Fingerprint string     `gorm:"not null;index:idx_consent_lookup,priority:1" json:"fingerprint"`
	Category    string     `gorm:"not null;index:idx_consent_lookup,priority:2" json:"category"`
	Granted     bool       `gorm:"not null" json:"granted"`
	RecordedAt  time.Time  `gorm:"not null;index:idx_consent_lookup,priority:3" json:"recorded_at"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at,omitempty"`
	Source      string     `gorm:"not null" json:"source"`
}

// Sources of consent records.
const (
	SourceVisitor  = "visitor"
	SourceExternal = "external"
)

// NewConsent builds a record owned by the active scope.
func NewConsent(sc scope.Scope, fingerprint, category string, granted bool, expiresAt *time.Time, source string, now time.Time) (*Consent, error) {
	if fingerprint == "" {
		return nil, errs.ErrValidationFailed.New("consent requires a visitor fingerprint")
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return nil, errs.ErrValidationFailed.New("consent requires a category")
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, errs.ErrValidationFailed.New("consent expiry must be in the future")
	}
	if source == "" {
		source = SourceVisitor
	}
	return &Consent{
		Ownership:   sc.Own(),
		Fingerprint: fingerprint,
		Category:    category,
		Granted:     granted,
		RecordedAt:  now.UTC(),
		ExpiresAt:   expiresAt,
		Source:      source,
	}, nil
}

// Active reports whether the record has not expired at now.
func (c *Consent) Active(now time.Time) bool {
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Store persists consent records inside the active scope.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Record appends a consent record. History is never rewritten.
func (s *Store) Record(ctx context.Context, c *Consent) error {
	if err := scope.Guard(ctx, c); err != nil {
		return err
	}
	return models.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("record consent: %w", err)
		}
		return nil
	})
}

// Latest returns the authoritative record for (fingerprint, category): the most
// recent one that has not expired. It returns nil when none exists.
func (s *Store) Latest(ctx context.Context, fingerprint, category string, now time.Time) (*Consent, error) {
	db, err := scope.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}
	var c Consent
	err = db.Where("fingerprint = ? AND category = ?", fingerprint, category).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		Order("recorded_at DESC, id DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup consent: %w", err)
	}
	return &c, nil
}
