// Package visitors resolves telemetry to de-identified visitors.
package visitors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/models"
	"siteline/internal/scope"
)

// Visitor is a de-identified client, unique per (site, fingerprint).
type Visitor struct {
	ID uint `gorm:"primaryKey" json:"id"`
	scope.Ownership
	Fingerprint    string    `gorm:"not null" json:"fingerprint"`
	FirstSeenAt    time.Time `gorm:"not null" json:"first_seen_at"`
	LastSeenAt     time.Time `gorm:"not null;index" json:"last_seen_at"`
	Country        string    `gorm:"not null;default:''" json:"country"`
	Device         string    `gorm:"not null;default:''" json:"device"`
	Browser        string    `gorm:"not null;default:''" json:"browser"`
	OS             string    `gorm:"column:os;not null;default:''" json:"os"`
	TotalSessions  int64     `gorm:"not null;default:0" json:"total_sessions"`
	TotalPageviews int64     `gorm:"not null;default:0" json:"total_pageviews"`
	TotalEvents    int64     `gorm:"not null;default:0" json:"total_events"`
}

// Alias returns the display name of the visitor.
func (v *Visitor) Alias() string { return Alias(v.Fingerprint) }

// Traits is the device/geo summary refreshed on every sighting. Empty values keep
// what is stored.
type Traits struct {
	Country string
	Device  string
	Browser string
	OS      string
}

// Counters are the increments applied to a visitor.
type Counters struct {
	Sessions  int64
	Pageviews int64
	Events    int64
}

// Resolver creates and fetches visitors for the active scope.
type Resolver struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewResolver(db *gorm.DB, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

const upsertVisitorSQL = `
INSERT INTO visitors (site_id, tenant_id, fingerprint, first_seen_at, last_seen_at, country, device, browser, os,
	total_sessions, total_pageviews, total_events)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0)
ON CONFLICT(site_id, fingerprint) DO UPDATE SET
	last_seen_at = MAX(visitors.last_seen_at, excluded.last_seen_at),
	country = COALESCE(NULLIF(excluded.country, ''), visitors.country),
	device = COALESCE(NULLIF(excluded.device, ''), visitors.device),
	browser = COALESCE(NULLIF(excluded.browser, ''), visitors.browser),
	os = COALESCE(NULLIF(excluded.os, ''), visitors.os)`

// ResolveVisitor creates the visitor on first sight or refreshes last-seen and
// traits. The upsert runs against the unique (site_id, fingerprint) index, so
// concurrent calls for one fingerprint converge on one row.
func (r *Resolver) ResolveVisitor(ctx context.Context, fingerprint string, traits Traits, now time.Time) (*Visitor, error) {
	if fingerprint == "" {
		return nil, errs.ErrValidationFailed.New("visitor fingerprint is required")
	}
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	at := now.UTC()
	err = models.Write(ctx, r.logger, r.db, func(tx *gorm.DB) error {
		return tx.Exec(upsertVisitorSQL,
			sc.SiteID(), sc.TenantID(), fingerprint, at, at,
			traits.Country, traits.Device, traits.Browser, traits.OS).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert visitor: %w", err)
	}
	return r.ByFingerprint(ctx, fingerprint)
}

// ByFingerprint loads a visitor of the active site.
func (r *Resolver) ByFingerprint(ctx context.Context, fingerprint string) (*Visitor, error) {
	db, err := scope.DB(ctx, models.Conn(ctx, r.db))
	if err != nil {
		return nil, err
	}
	var v Visitor
	if err := db.Where("fingerprint = ?", fingerprint).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound.New("visitor")
		}
		return nil, fmt.Errorf("load visitor: %w", err)
	}
	return &v, nil
}

// Get loads a visitor by id within the active site.
func (r *Resolver) Get(ctx context.Context, id uint) (*Visitor, error) {
	db, err := scope.DB(ctx, models.Conn(ctx, r.db))
	if err != nil {
		return nil, err
	}
	var v Visitor
	if err := db.First(&v, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound.New("visitor")
		}
		return nil, fmt.Errorf("load visitor: %w", err)
	}
	return &v, nil
}

// IncrementCounters adds c to the visitor counters in SQL, inside tx.
func IncrementCounters(ctx context.Context, tx *gorm.DB, visitorID uint, c Counters) error {
	if c == (Counters{}) {
		return nil
	}
	db, err := scope.DB(ctx, tx)
	if err != nil {
		return err
	}
	result := db.Model(&Visitor{}).Where("id = ?", visitorID).UpdateColumns(map[string]any{
		"total_sessions":  gorm.Expr("total_sessions + ?", c.Sessions),
		"total_pageviews": gorm.Expr("total_pageviews + ?", c.Pageviews),
		"total_events":    gorm.Expr("total_events + ?", c.Events),
	})
	if result.Error != nil {
		return fmt.Errorf("increment visitor counters: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.ErrNotFound.New("visitor")
	}
	return nil
}
