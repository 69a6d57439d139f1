package consent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteline/internal/consent"
	"siteline/internal/errs"
	"siteline/internal/scope"
	"siteline/internal/sites"
	"siteline/internal/testsupport"
)

type staticExclusions struct {
	ips, agents, paths []string
	err                error
}

func (s staticExclusions) ExcludedIPs() ([]string, error)        { return s.ips, s.err }
func (s staticExclusions) ExcludedUserAgents() ([]string, error) { return s.agents, s.err }
func (s staticExclusions) ExcludedPaths() ([]string, error)      { return s.paths, s.err }

type fakeAuthority struct {
	granted  bool
	err      error
	listener func(consent.ConsentChanged)
}

func (f *fakeAuthority) HasConsent(context.Context, string, string) (bool, error) {
	return f.granted, f.err
}

func (f *fakeAuthority) Subscribe(fn func(consent.ConsentChanged)) { f.listener = fn }

func openGate(cfg consent.GateConfig) consent.GateConfig {
	cfg.TrackingEnabled = true
	if cfg.Category == "" {
		cfg.Category = "analytics"
	}
	return cfg
}

func TestGateOrderedChecks(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	site := testsupport.CreateTestSite(t, db, "gate.example")
	ctx := testsupport.ScopeFor(site)
	store := consent.NewStore(db, logger)

	exclusions := staticExclusions{
		ips:    []string{"10.0.0.1", "192.168.0.0/16"},
		agents: []string{"HeadlessChrome"},
		paths:  []string{"/admin*", "/health"},
	}

	tests := []struct {
		name    string
		cfg     consent.GateConfig
		visitor consent.VisitorContext
		reason  string
	}{
		{"master switch off", consent.GateConfig{}, consent.VisitorContext{IP: "1.1.1.1"}, consent.ReasonTrackingDisabled},
		{"do not track honored", openGate(consent.GateConfig{HonorDoNotTrack: true}), consent.VisitorContext{DoNotTrack: true}, consent.ReasonDoNotTrack},
		{"do not track ignored", openGate(consent.GateConfig{}), consent.VisitorContext{DoNotTrack: true}, consent.ReasonAllowed},
		{"exact ip", openGate(consent.GateConfig{}), consent.VisitorContext{IP: "10.0.0.1"}, consent.ReasonExcludedIP},
		{"cidr ip", openGate(consent.GateConfig{}), consent.VisitorContext{IP: "192.168.4.20"}, consent.ReasonExcludedIP},
		{"user agent substring", openGate(consent.GateConfig{}), consent.VisitorContext{UserAgent: "Mozilla/5.0 headlesschrome/120"}, consent.ReasonExcludedUserAgent},
		{"path prefix", openGate(consent.GateConfig{}), consent.VisitorContext{Path: "/admin/users"}, consent.ReasonExcludedPath},
		{"exact path only", openGate(consent.GateConfig{}), consent.VisitorContext{Path: "/healthz"}, consent.ReasonAllowed},
		{"not required allows", openGate(consent.GateConfig{}), consent.VisitorContext{IP: "8.8.8.8", Fingerprint: "fp"}, consent.ReasonAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := consent.NewGate(tt.cfg, exclusions, store, logger)
			d, err := gate.CanTrack(ctx, tt.visitor)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.reason == consent.ReasonAllowed, d.Allowed)
		})
	}
}

func TestGateConsentRequired(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("missing consent blocks", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)
		site := testsupport.CreateTestSite(t, db, "strict.example", func(p *sites.NewSiteParams) {
			p.ConsentRequired = true
		})
		gate := consent.NewGate(openGate(consent.GateConfig{}), staticExclusions{}, consent.NewStore(db, logger), logger).
			WithClock(func() time.Time { return now })

		d, err := gate.CanTrack(testsupport.ScopeFor(site), consent.VisitorContext{Fingerprint: "visitor-v"})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, consent.ReasonConsentMissing, d.Reason)
	})

	t.Run("latest non expired record wins", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)
		site := testsupport.CreateTestSite(t, db, "strict.example")
		ctx := testsupport.ScopeFor(site)
		sc, err := scope.FromContext(ctx)
		require.NoError(t, err)
		store := consent.NewStore(db, logger)
		gate := consent.NewGate(openGate(consent.GateConfig{ConsentRequired: true}), staticExclusions{}, store, logger).
			WithClock(func() time.Time { return now })

		grant, err := consent.NewConsent(sc, "fp", "analytics", true, nil, "", now.Add(-2*time.Hour))
		require.NoError(t, err)
		require.NoError(t, store.Record(ctx, grant))

		d, err := gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "fp"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		revoke, err := consent.NewConsent(sc, "fp", "analytics", false, nil, "", now.Add(-time.Hour))
		require.NoError(t, err)
		require.NoError(t, store.Record(ctx, revoke))

		d, err = gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "fp"})
		require.NoError(t, err)
		assert.Equal(t, consent.ReasonConsentRevoked, d.Reason)

		expiry := now.Add(time.Minute)
		regrant, err := consent.NewConsent(sc, "fp", "analytics", true, &expiry, "", now.Add(-time.Minute))
		require.NoError(t, err)
		require.NoError(t, store.Record(ctx, regrant))

		d, err = gate.WithClock(func() time.Time { return now.Add(2 * time.Minute) }).
			CanTrack(ctx, consent.VisitorContext{Fingerprint: "fp"})
		require.NoError(t, err)
		assert.Equal(t, consent.ReasonConsentRevoked, d.Reason, "expired grant falls back to the revocation")
	})

	t.Run("other category does not count", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)
		site := testsupport.CreateTestSite(t, db, "strict.example")
		ctx := testsupport.ScopeFor(site)
		sc, _ := scope.FromContext(ctx)
		store := consent.NewStore(db, logger)

		grant, err := consent.NewConsent(sc, "fp", "marketing", true, nil, "", now)
		require.NoError(t, err)
		require.NoError(t, store.Record(ctx, grant))

		gate := consent.NewGate(openGate(consent.GateConfig{ConsentRequired: true}), staticExclusions{}, store, logger)
		d, err := gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "fp"})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("consent key takes precedence over fingerprint", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)
		site := testsupport.CreateTestSite(t, db, "strict.example")
		ctx := testsupport.ScopeFor(site)
		gate := consent.NewGate(openGate(consent.GateConfig{ConsentRequired: true}), staticExclusions{}, consent.NewStore(db, logger), logger).
			WithClock(func() time.Time { return now })

		expiry := now.Add(time.Hour)
		c, err := gate.Record(ctx, "stable", "", true, &expiry, consent.SourceVisitor)
		require.NoError(t, err)
		assert.Equal(t, "analytics", c.Category)

		d, err := gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "day-1", ConsentKey: "stable"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		d, err = gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "stable-not-used", ConsentKey: "other"})
		require.NoError(t, err)
		assert.Equal(t, consent.ReasonConsentMissing, d.Reason)

		_, err = gate.Record(ctx, "stable", "", true, &now, consent.SourceVisitor)
		assert.True(t, errs.Is(err, errs.ErrValidationFailed), "expiry must be in the future")
	})

	t.Run("exclusion source failure fails closed", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		site := testsupport.CreateTestSite(t, db, "broken.example")
		gate := consent.NewGate(openGate(consent.GateConfig{}), staticExclusions{err: errors.New("db down")}, consent.NewStore(db, logger), logger)

		d, err := gate.CanTrack(testsupport.ScopeFor(site), consent.VisitorContext{})
		assert.Error(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("unscoped call is unresolved", func(t *testing.T) {
		_, logger := testsupport.SetupTestDBManager(t)
		gate := consent.NewGate(openGate(consent.GateConfig{}), staticExclusions{}, nil, logger)
		_, err := gate.CanTrack(context.Background(), consent.VisitorContext{})
		assert.True(t, errs.Is(err, errs.ErrScopeUnresolved))
	})
}

func TestGateExternalAuthority(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	site := testsupport.CreateTestSite(t, db, "external.example")
	ctx := testsupport.ScopeFor(site)
	store := consent.NewStore(db, logger)

	authority := &fakeAuthority{granted: false}
	gate := consent.NewGate(openGate(consent.GateConfig{}), staticExclusions{}, store, logger)
	gate.UseAuthority(authority)

	d, err := gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "fp"})
	require.NoError(t, err)
	assert.Equal(t, consent.ReasonExternalDenied, d.Reason, "authority is consulted even when consent is not required")

	// A local grant is written for audit but never read.
	sc, _ := scope.FromContext(ctx)
	grant, err := consent.NewConsent(sc, "fp", "analytics", true, nil, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, grant))
	d, err = gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "fp"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NotNil(t, authority.listener)
	authority.listener(consent.ConsentChanged{SiteID: site.ID, Fingerprint: "fp", Category: "analytics", Granted: true, At: time.Now()})

	var mirrored int64
	require.NoError(t, db.Model(&consent.Consent{}).Where("source = ?", consent.SourceExternal).Count(&mirrored).Error)
	assert.Equal(t, int64(1), mirrored)

	authority.granted = true
	d, err = gate.CanTrack(ctx, consent.VisitorContext{Fingerprint: "fp"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
