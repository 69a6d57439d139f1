package sites

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

// Repository stores sites. Sites are the scope roots, so lookups here are not
// site filtered; every other repository goes through scope.DB.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ scope.SiteFinder = (*Repository)(nil)

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Create persists a site built by NewSite.
func (r *Repository) Create(ctx context.Context, site *Site) error {
	return models.PerformWrite(r.logger, r.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Create(site).Error; err != nil {
			return fmt.Errorf("create site %s: %w", site.Domain, err)
		}
		return nil
	})
}

// IssueAPIKey rotates the site key and returns the raw key. Only the hash is kept.
func (r *Repository) IssueAPIKey(ctx context.Context, siteID uint, hasher scope.KeyHasher) (string, error) {
	raw, prefix, err := scope.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	err = models.PerformWrite(r.logger, r.db.WithContext(ctx), func(tx *gorm.DB) error {
		result := tx.Model(&Site{}).Where("id = ?", siteID).Updates(map[string]any{
			"api_key_prefix":       prefix,
			"api_key_hash":         hasher.Hash(raw),
			"api_key_last_used_at": nil,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errs.ErrNotFound.New("site")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

// SetActive enables or disables tracking for a site.
func (r *Repository) SetActive(ctx context.Context, siteID uint, active bool) error {
	return models.PerformWrite(r.logger, r.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Model(&Site{}).Where("id = ?", siteID).Update("active", active).Error
	})
}

// SoftDelete marks a site deleted. Owned rows are kept.
func (r *Repository) SoftDelete(ctx context.Context, siteID uint) error {
	return models.PerformWrite(r.logger, r.db.WithContext(ctx), func(tx *gorm.DB) error {
		result := tx.Delete(&Site{}, siteID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errs.ErrNotFound.New("site")
		}
		return nil
	})
}

// Get returns the full site row.
func (r *Repository) Get(ctx context.Context, siteID uint) (*Site, error) {
	var site Site
	if err := r.db.WithContext(ctx).First(&site, siteID).Error; err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

// All returns every live site. Used by background jobs.
func (r *Repository) All(ctx context.Context) ([]Site, error) {
	var out []Site
	if err := r.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return out, nil
}

func (r *Repository) FindByAPIKeyPrefix(ctx context.Context, prefix string) ([]scope.KeyedSite, error) {
	var rows []Site
	if err := r.db.WithContext(ctx).Where("api_key_prefix = ?", prefix).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find site by api key: %w", err)
	}
	out := make([]scope.KeyedSite, 0, len(rows))
	for i := range rows {
		out = append(out, scope.KeyedSite{Site: rows[i].Info(), KeyHash: rows[i].APIKeyHash})
	}
	return out, nil
}

func (r *Repository) FindByID(ctx context.Context, id uint) (scope.SiteInfo, error) {
	site, err := r.Get(ctx, id)
	if err != nil {
		return scope.SiteInfo{}, err
	}
	return site.Info(), nil
}

func (r *Repository) FindByDomain(ctx context.Context, domain string) (scope.SiteInfo, error) {
	var site Site
	if err := r.db.WithContext(ctx).Where("domain = ?", domain).First(&site).Error; err != nil {
		return scope.SiteInfo{}, notFound(err)
	}
	return site.Info(), nil
}

func (r *Repository) FindBySlug(ctx context.Context, slug string) (scope.SiteInfo, error) {
	var site Site
	if err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&site).Error; err != nil {
		return scope.SiteInfo{}, notFound(err)
	}
	return site.Info(), nil
}

// TouchAPIKey records key usage. Callers treat failures as non-fatal.
func (r *Repository) TouchAPIKey(ctx context.Context, siteID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Site{}).
		Where("id = ?", siteID).
		UpdateColumn("api_key_last_used_at", at).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.ErrNotFound.New("site")
	}
	return fmt.Errorf("query site: %w", err)
}
