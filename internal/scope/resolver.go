package scope

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"siteline/internal/errs"
)

// Request is the part of an inbound request the resolvers look at.
type Request struct {
	APIKey  string
	Headers map[string]string
	Host    string
	SiteID  string
}

// Header returns a header value, matching names case-insensitively.
func (r Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// KeyedSite is a site candidate found by API key prefix.
type KeyedSite struct {
	Site    SiteInfo
	KeyHash string
}

// SiteFinder is implemented by the sites repository.
type SiteFinder interface {
	FindByAPIKeyPrefix(ctx context.Context, prefix string) ([]KeyedSite, error)
	FindByID(ctx context.Context, id uint) (SiteInfo, error)
	FindByDomain(ctx context.Context, domain string) (SiteInfo, error)
	FindBySlug(ctx context.Context, slug string) (SiteInfo, error)
	TouchAPIKey(ctx context.Context, siteID uint, at time.Time) error
}

// SiteResolver resolves a site from one signal. ok is false when the signal is
// absent or names no site, letting the chain continue.
type SiteResolver interface {
	Name() string
	Resolve(ctx context.Context, req Request) (site SiteInfo, ok bool, err error)
}

// Chain tries resolvers in order; the first match wins.
type Chain struct {
	resolvers     []SiteResolver
	finder        SiteFinder
	defaultSiteID uint
	logger        *slog.Logger
}

// NewChain builds a resolver chain. defaultSiteID of zero disables the fallback.
func NewChain(finder SiteFinder, defaultSiteID uint, logger *slog.Logger, resolvers ...SiteResolver) *Chain {
	return &Chain{resolvers: resolvers, finder: finder, defaultSiteID: defaultSiteID, logger: logger}
}

// Resolve returns the scope for req or ErrScopeUnresolved / ErrUnauthorized.
func (c *Chain) Resolve(ctx context.Context, req Request) (Scope, error) {
	for _, r := range c.resolvers {
		site, ok, err := r.Resolve(ctx, req)
		if err != nil {
			return Scope{}, err
		}
		if ok {
			c.logger.Debug("Scope resolved", slog.String("resolver", r.Name()), slog.Uint64("site_id", uint64(site.ID)))
			return New(site), nil
		}
	}

	if c.defaultSiteID != 0 {
		site, err := c.finder.FindByID(ctx, c.defaultSiteID)
		if err == nil && site.Active {
			return New(site), nil
		}
		if err != nil && !errs.Is(err, errs.ErrNotFound) {
			return Scope{}, err
		}
	}

	return Scope{}, errs.ErrScopeUnresolved.New("no resolver matched and no default site configured")
}

// APIKeyResolver resolves by hashed API key. Every failure is the same ErrUnauthorized.
type APIKeyResolver struct {
	Finder SiteFinder
	Hasher KeyHasher
	Logger *slog.Logger
	Now    func() time.Time
}

func (r *APIKeyResolver) Name() string { return "api_key" }

func (r *APIKeyResolver) Resolve(ctx context.Context, req Request) (SiteInfo, bool, error) {
	if req.APIKey == "" {
		return SiteInfo{}, false, nil
	}

	prefix, valid := LookupPrefix(req.APIKey)
	if !valid {
		return SiteInfo{}, false, errs.ErrUnauthorized.New()
	}

	candidates, err := r.Finder.FindByAPIKeyPrefix(ctx, prefix)
	if err != nil {
		return SiteInfo{}, false, err
	}

	for _, candidate := range candidates {
		if !r.Hasher.Matches(req.APIKey, candidate.KeyHash) {
			continue
		}
		if !candidate.Site.Active {
			return SiteInfo{}, false, errs.ErrUnauthorized.New()
		}
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		if err := r.Finder.TouchAPIKey(ctx, candidate.Site.ID, now().UTC()); err != nil {
			r.Logger.Warn("Failed to update api key last used timestamp",
				slog.Uint64("site_id", uint64(candidate.Site.ID)),
				slog.Any("error", err))
		}
		return candidate.Site, true, nil
	}

	return SiteInfo{}, false, errs.ErrUnauthorized.New()
}

// HeaderResolver resolves a numeric site id from a request header.
type HeaderResolver struct {
	Finder SiteFinder
	Header string
}

func (r *HeaderResolver) Name() string { return "header" }

func (r *HeaderResolver) Resolve(ctx context.Context, req Request) (SiteInfo, bool, error) {
	return resolveID(ctx, r.Finder, req.Header(r.Header))
}

// ExplicitIDResolver resolves the site id carried in the payload itself.
type ExplicitIDResolver struct {
	Finder SiteFinder
}

func (r *ExplicitIDResolver) Name() string { return "explicit_id" }

func (r *ExplicitIDResolver) Resolve(ctx context.Context, req Request) (SiteInfo, bool, error) {
	return resolveID(ctx, r.Finder, req.SiteID)
}

func resolveID(ctx context.Context, finder SiteFinder, raw string) (SiteInfo, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SiteInfo{}, false, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return SiteInfo{}, false, nil
	}
	return found(finder.FindByID(ctx, uint(id)))
}

// SubdomainResolver maps "<slug>.<base domain>" onto the site with that slug.
type SubdomainResolver struct {
	Finder     SiteFinder
	BaseDomain string
}

func (r *SubdomainResolver) Name() string { return "subdomain" }

func (r *SubdomainResolver) Resolve(ctx context.Context, req Request) (SiteInfo, bool, error) {
	if r.BaseDomain == "" {
		return SiteInfo{}, false, nil
	}
	host := normalizeHost(req.Host)
	suffix := "." + strings.ToLower(r.BaseDomain)
	if !strings.HasSuffix(host, suffix) {
		return SiteInfo{}, false, nil
	}
	slug := strings.TrimSuffix(host, suffix)
	if slug == "" || strings.Contains(slug, ".") {
		return SiteInfo{}, false, nil
	}
	return found(r.Finder.FindBySlug(ctx, slug))
}

// DomainResolver matches the request host against site domains, retrying with
// the base domain so that www.example.com resolves to example.com.
type DomainResolver struct {
	Finder     SiteFinder
	BaseDomain func(host string) string
}

func (r *DomainResolver) Name() string { return "domain" }

func (r *DomainResolver) Resolve(ctx context.Context, req Request) (SiteInfo, bool, error) {
	host := normalizeHost(req.Host)
	if host == "" {
		return SiteInfo{}, false, nil
	}
	site, ok, err := found(r.Finder.FindByDomain(ctx, host))
	if err != nil || ok || r.BaseDomain == nil {
		return site, ok, err
	}
	base := r.BaseDomain(host)
	if base == host {
		return SiteInfo{}, false, nil
	}
	return found(r.Finder.FindByDomain(ctx, base))
}

func found(site SiteInfo, err error) (SiteInfo, bool, error) {
	if err != nil {
		if errs.Is(err, errs.ErrNotFound) {
			return SiteInfo{}, false, nil
		}
		return SiteInfo{}, false, err
	}
	if !site.Active {
		return SiteInfo{}, false, nil
	}
	return site, true, nil
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
