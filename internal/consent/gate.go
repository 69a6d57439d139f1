package consent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"siteline/internal/metrics"
	"siteline/internal/scope"
)

// Decision reasons.
const (
	ReasonAllowed           = "allowed"
	ReasonTrackingDisabled  = "tracking_disabled"
	ReasonDoNotTrack        = "do_not_track"
	ReasonExcludedIP        = "excluded_ip"
	ReasonExcludedUserAgent = "excluded_user_agent"
	ReasonExcludedPath      = "excluded_path"
	ReasonConsentMissing    = "consent_missing"
	ReasonConsentRevoked    = "consent_revoked"
	ReasonExternalDenied    = "external_denied"
	ReasonUnavailable       = "consent_unavailable"
)

// VisitorContext is what the gate knows about one inbound request.
// ConsentKey identifies the visitor in consent records when it differs from
// the visitor fingerprint, as it does for daily rotating fingerprints.
type VisitorContext struct {
	Fingerprint string
	ConsentKey  string
	IP          string
	UserAgent   string
	Path        string
	DoNotTrack  bool
}

func (v VisitorContext) key() string {
	if v.ConsentKey != "" {
		return v.ConsentKey
	}
	return v.Fingerprint
}

// Decision is the outcome of CanTrack.
type Decision struct {
	Allowed bool
	Reason  string
}

// Exclusions supplies the runtime exclusion lists.
type Exclusions interface {
	ExcludedIPs() ([]string, error)
	ExcludedUserAgents() ([]string, error)
	ExcludedPaths() ([]string, error)
}

// ConsentChanged is emitted by an external authority.
type ConsentChanged struct {
	SiteID      uint
	TenantID    string
	Fingerprint string
	Category    string
	Granted     bool
	At          time.Time
}

// ExternalAuthority is an outside consent product. When present it is the only
// source of truth and internal records become an audit trail.
type ExternalAuthority interface {
	HasConsent(ctx context.Context, fingerprint, category string) (bool, error)
	Subscribe(fn func(ConsentChanged))
}

// GateConfig holds the static switches of the gate.
type GateConfig struct {
	TrackingEnabled bool
	HonorDoNotTrack bool
	ConsentRequired bool
	Category        string
}

// Gate decides whether telemetry may be tracked.
type Gate struct {
	cfg        GateConfig
	exclusions Exclusions
	store      *Store
	authority  ExternalAuthority
	logger     *slog.Logger
	now        func() time.Time
}

// NewGate builds a gate backed by the internal consent store.
func NewGate(cfg GateConfig, exclusions Exclusions, store *Store, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:        cfg,
		exclusions: exclusions,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// UseAuthority hands consent decisions to an external authority and mirrors its
// changes into the local store for audit.
func (g *Gate) UseAuthority(a ExternalAuthority) {
	g.authority = a
	a.Subscribe(func(change ConsentChanged) {
		ctx := scope.WithScope(context.Background(), scope.New(scope.SiteInfo{ID: change.SiteID, TenantID: change.TenantID}))
		if err := g.Audit(ctx, change.Fingerprint, change.Category, change.Granted, SourceExternal); err != nil {
			g.logger.Warn("Failed to mirror external consent change",
				slog.Uint64("site_id", uint64(change.SiteID)),
				slog.String("category", change.Category),
				slog.Any("error", err))
		}
	})
}

// Category is the consent category the gate checks.
func (g *Gate) Category() string { return g.cfg.Category }

// Audit writes a consent record for the visitor under the active scope.
func (g *Gate) Audit(ctx context.Context, fingerprint, category string, granted bool, source string) error {
	_, err := g.Record(ctx, fingerprint, category, granted, nil, source)
	return err
}

// Record appends a grant or revocation for key. An empty category means the
// gate's own. expiresAt, when set, must be in the future.
func (g *Gate) Record(ctx context.Context, key, category string, granted bool, expiresAt *time.Time, source string) (*Consent, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(category) == "" {
		category = g.cfg.Category
	}
	c, err := NewConsent(sc, key, category, granted, expiresAt, source, g.now())
	if err != nil {
		return nil, err
	}
	if err := g.store.Record(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CanTrack evaluates, in order: master switch, Do-Not-Track, exclusion lists,
// consent requirement and the authoritative consent state. Errors from the
// backing store fail closed.
func (g *Gate) CanTrack(ctx context.Context, v VisitorContext) (Decision, error) {
	site, err := scope.CurrentSite(ctx)
	if err != nil {
		return Decision{Reason: ReasonUnavailable}, err
	}
	d, err := g.decide(ctx, site, v)
	metrics.ConsentDecisions.WithLabelValues(d.Reason).Inc()
	g.logger.Debug("Consent decision",
		slog.Uint64("site_id", uint64(site.ID)),
		slog.Bool("allowed", d.Allowed),
		slog.String("reason", d.Reason))
	return d, err
}

func (g *Gate) decide(ctx context.Context, site scope.SiteInfo, v VisitorContext) (Decision, error) {
	if !g.cfg.TrackingEnabled {
		return deny(ReasonTrackingDisabled), nil
	}
	if g.cfg.HonorDoNotTrack && v.DoNotTrack {
		return deny(ReasonDoNotTrack), nil
	}

	ips, err := g.exclusions.ExcludedIPs()
	if err != nil {
		return deny(ReasonUnavailable), fmt.Errorf("load excluded ips: %w", err)
	}
	if ipExcluded(v.IP, ips) {
		return deny(ReasonExcludedIP), nil
	}
	agents, err := g.exclusions.ExcludedUserAgents()
	if err != nil {
		return deny(ReasonUnavailable), fmt.Errorf("load excluded user agents: %w", err)
	}
	if userAgentExcluded(v.UserAgent, agents) {
		return deny(ReasonExcludedUserAgent), nil
	}
	paths, err := g.exclusions.ExcludedPaths()
	if err != nil {
		return deny(ReasonUnavailable), fmt.Errorf("load excluded paths: %w", err)
	}
	if pathExcluded(v.Path, paths) {
		return deny(ReasonExcludedPath), nil
	}

	if g.authority != nil {
		ok, err := g.authority.HasConsent(ctx, v.key(), g.cfg.Category)
		if err != nil {
			return deny(ReasonUnavailable), fmt.Errorf("external consent lookup: %w", err)
		}
		if !ok {
			return deny(ReasonExternalDenied), nil
		}
		return allow(), nil
	}

	if !g.cfg.ConsentRequired && !site.ConsentRequired {
		return allow(), nil
	}
	if v.key() == "" {
		return deny(ReasonConsentMissing), nil
	}
	record, err := g.store.Latest(ctx, v.key(), g.cfg.Category, g.now())
	if err != nil {
		return deny(ReasonUnavailable), err
	}
	if record == nil {
		return deny(ReasonConsentMissing), nil
	}
	if !record.Granted {
		return deny(ReasonConsentRevoked), nil
	}
	return allow(), nil
}

func allow() Decision { return Decision{Allowed: true, Reason: ReasonAllowed} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// ipExcluded matches exact addresses and CIDR ranges.
func ipExcluded(ip string, excluded []string) bool {
	if ip == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	for _, entry := range excluded {
		if entry == ip {
			return true
		}
		if parsed == nil || !strings.Contains(entry, "/") {
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(parsed) {
			return true
		}
	}
	return false
}

func userAgentExcluded(ua string, excluded []string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, entry := range excluded {
		if entry != "" && strings.Contains(lower, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}

// pathExcluded matches exact paths, or prefixes written with a trailing "*".
func pathExcluded(path string, excluded []string) bool {
	if path == "" {
		return false
	}
	for _, entry := range excluded {
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if entry == path {
			return true
		}
	}
	return false
}
