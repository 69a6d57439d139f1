package sites

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/scope"
)

// Privacy modes decide how visitor fingerprints rotate.
const (
	PrivacyModeTracking = "tracking" // stable fingerprints
	PrivacyModePrivacy  = "privacy"  // fingerprints rotate daily
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Site represents a tracked property. It owns every other row by site_id.
type Site struct {
	ID               uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string         `gorm:"not null" json:"name"`
	Domain           string         `gorm:"uniqueIndex;not null" json:"domain"` // Base domain, e.g., "example.com"
	Slug             *string        `gorm:"uniqueIndex" json:"slug,omitempty"`  // <slug>.<tracking domain>
	APIKeyPrefix     string         `gorm:"index" json:"-"`
	APIKeyHash       string         `json:"-"`
	APIKeyLastUsedAt *time.Time     `json:"api_key_last_used_at,omitempty"`
	Active           bool           `gorm:"not null" json:"active"`
	TenantType       string         `gorm:"not null;default:''" json:"tenant_type,omitempty"`
	TenantRef        string         `gorm:"not null;default:''" json:"tenant_ref,omitempty"`
	Timezone         string         `gorm:"not null" json:"timezone"`
	Currency         string         `gorm:"not null" json:"currency"`
	PrivacyMode      string         `gorm:"not null" json:"privacy_mode"`
	ConsentRequired  bool           `gorm:"not null" json:"consent_required"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// NewSiteParams are the operator supplied fields of a new site.
type NewSiteParams struct {
	Name            string
	Domain          string
	Slug            string
	TenantType      string
	TenantRef       string
	Timezone        string
	Currency        string
	PrivacyMode     string
	ConsentRequired bool
}

// NewSite validates params and builds an active site.
func NewSite(p NewSiteParams, now time.Time) (*Site, error) {
	domain := strings.ToLower(strings.TrimSpace(p.Domain))
	if domain == "" {
		return nil, errs.ErrValidationFailed.New("site domain is required")
	}
	if (p.TenantType == "") != (p.TenantRef == "") {
		return nil, errs.ErrValidationFailed.New("tenant type and tenant ref must be set together")
	}

	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, errs.ErrValidationFailed.New(fmt.Sprintf("unknown timezone %q", tz))
	}

	currency := strings.ToUpper(p.Currency)
	if currency == "" {
		currency = "USD"
	}
	if !currencyPattern.MatchString(currency) {
		return nil, errs.ErrValidationFailed.New(fmt.Sprintf("invalid currency %q", p.Currency))
	}

	mode := p.PrivacyMode
	if mode == "" {
		mode = PrivacyModeTracking
	}
	if mode != PrivacyModeTracking && mode != PrivacyModePrivacy {
		return nil, errs.ErrValidationFailed.New(fmt.Sprintf("invalid privacy mode %q", mode))
	}

	name := p.Name
	if name == "" {
		name = domain
	}

	site := &Site{
		Name:            name,
		Domain:          domain,
		Active:          true,
		TenantType:      p.TenantType,
		TenantRef:       p.TenantRef,
		Timezone:        tz,
		Currency:        currency,
		PrivacyMode:     mode,
		ConsentRequired: p.ConsentRequired,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	if slug := strings.ToLower(strings.TrimSpace(p.Slug)); slug != "" {
		site.Slug = &slug
	}
	return site, nil
}

// TenantID is the opaque "<type>:<ref>" tenant identifier, empty without a tenant.
func (s *Site) TenantID() string {
	if s.TenantType == "" {
		return ""
	}
	return s.TenantType + ":" + s.TenantRef
}

// Info converts the site into the scope view of it.
func (s *Site) Info() scope.SiteInfo {
	return scope.SiteInfo{
		ID:              s.ID,
		TenantID:        s.TenantID(),
		Domain:          s.Domain,
		Timezone:        s.Timezone,
		Currency:        s.Currency,
		PrivacyMode:     s.PrivacyMode,
		ConsentRequired: s.ConsentRequired,
		Active:          s.Active && !s.DeletedAt.Valid,
	}
}

// BaseDomainForHost returns the canonical base domain for a hostname, preserving localhost
// semantics while collapsing known subdomain patterns (e.g. foo.example.com -> example.com).
func BaseDomainForHost(host string) string {
	parts := strings.Split(strings.ToLower(host), ".")
	if len(parts) < 2 {
		return host
	}

	last := parts[len(parts)-1]
	if last == "localhost" {
		return "localhost"
	}

	secondLast := parts[len(parts)-2]
	if len(parts) > 2 && multiPartSuffixes[secondLast+"."+last] {
		return parts[len(parts)-3] + "." + secondLast + "." + last
	}
	return secondLast + "." + last
}

// country code second-level domains that need three labels
var multiPartSuffixes = map[string]bool{
	"co.uk":  true,
	"org.uk": true,
	"gov.uk": true,
	"ac.uk":  true,
	"co.jp":  true,
	"ne.jp":  true,
	"or.jp":  true,
	"co.za":  true,
	"co.nz":  true,
	"co.in":  true,
	"com.au": true,
	"edu.au": true,
	"com.br": true,
	"com.mx": true,
}
