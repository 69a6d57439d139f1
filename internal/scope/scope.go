// Package scope carries the active site and tenant through every core operation
// and is the only place site/tenant filters are built.
package scope

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"siteline/internal/errs"
)

// SiteInfo is the slice of a site every component needs once it is resolved.
type SiteInfo struct {
	ID              uint
	TenantID        string
	Domain          string
	Timezone        string
	Currency        string
	PrivacyMode     string
	ConsentRequired bool
	Active          bool
}

// Location returns the site timezone, falling back to UTC.
func (s SiteInfo) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Scope is the resolved site/tenant pair for one request.
type Scope struct {
	Site SiteInfo
}

// New builds a scope for a resolved site.
func New(site SiteInfo) Scope {
	return Scope{Site: site}
}

func (s Scope) SiteID() uint { return s.Site.ID }
func (s Scope) TenantID() string { return s.Site.TenantID }
func (s Scope) Own() Ownership { return Ownership{SiteID: s.Site.ID, TenantID: s.Site.TenantID} }
func (s Scope) String() string { return fmt.Sprintf("site=%d tenant=%q", s.Site.ID, s.Site.TenantID) }

type scopeKey struct{}
type bypassKey struct{}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope attached to ctx.
func FromContext(ctx context.Context) (Scope, error) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok || s.Site.ID == 0 {
		return Scope{}, errs.ErrScopeUnresolved.New("no site attached to request")
	}
	return s, nil
}

// CurrentSite returns the active site.
func CurrentSite(ctx context.Context) (SiteInfo, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return SiteInfo{}, err
	}
	return s.Site, nil
}

// CurrentTenantID returns the active opaque tenant id, empty when the site has no tenant.
func CurrentTenantID(ctx context.Context) (string, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return s.Site.TenantID, nil
}

// WithoutScope runs fn with isolation suspended. Administrative cross-site work only.
func WithoutScope(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, bypassKey{}, true))
}

// Bypassed reports whether ctx is inside WithoutScope.
func Bypassed(ctx context.Context) bool {
	b, _ := ctx.Value(bypassKey{}).(bool)
	return b
}

// DB returns db filtered to the active site and tenant. table qualifies the
// columns when the statement joins several site-owned tables.
func DB(ctx context.Context, db *gorm.DB, table ...string) (*gorm.DB, error) {
	db = db.WithContext(ctx)
	if Bypassed(ctx) {
		return db, nil
	}
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	clause, args := s.Filter(table...)
	return db.Where(clause, args...), nil
}

// Filter renders the site/tenant predicate for raw SQL.
func (s Scope) Filter(table ...string) (string, []any) {
	prefix := ""
	if len(table) > 0 && table[0] != "" {
		prefix = table[0] + "."
	}
	if s.Site.TenantID == "" {
		return prefix + "site_id = ?", []any{s.Site.ID}
	}
	return prefix + "site_id = ? AND " + prefix + "tenant_id = ?", []any{s.Site.ID, s.Site.TenantID}
}

// Guard fails with ErrTenantBoundaryViolation when any row belongs elsewhere.
func Guard(ctx context.Context, rows ...Owned) error {
	if Bypassed(ctx) {
		return nil
	}
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row == nil {
			continue
		}
		if row.OwnerSiteID() != s.Site.ID || row.OwnerTenantID() != s.Site.TenantID {
			return errs.ErrTenantBoundaryViolation.New(
				fmt.Sprintf("row of site %d tenant %q read under %s", row.OwnerSiteID(), row.OwnerTenantID(), s))
		}
	}
	return nil
}

// Owned is implemented by every site-owned model through Ownership.
type Owned interface {
	OwnerSiteID() uint
	OwnerTenantID() string
}

// Ownership is embedded by every site-owned model.
type Ownership struct {
	SiteID   uint   `gorm:"not null;index" json:"site_id"`
	TenantID string `gorm:"not null;default:'';index" json:"tenant_id,omitempty"`
}

func (o Ownership) OwnerSiteID() uint { return o.SiteID }
func (o Ownership) OwnerTenantID() string { return o.TenantID }
