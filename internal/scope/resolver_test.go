package scope_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteline/internal/errs"
	"siteline/internal/scope"
	"siteline/internal/testsupport"
)

type fakeFinder struct {
	sites     map[uint]scope.SiteInfo
	keys      map[uint]string
	slugs     map[string]uint
	touched   map[uint]time.Time
	touchErr  error
	lookupErr error
}

func newFakeFinder() *fakeFinder {
	return &fakeFinder{
		sites:   map[uint]scope.SiteInfo{},
		keys:    map[uint]string{},
		slugs:   map[string]uint{},
		touched: map[uint]time.Time{},
	}
}

func (f *fakeFinder) add(site scope.SiteInfo, slug string) {
	f.sites[site.ID] = site
	if slug != "" {
		f.slugs[slug] = site.ID
	}
}

func (f *fakeFinder) FindByAPIKeyPrefix(_ context.Context, prefix string) ([]scope.KeyedSite, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	var out []scope.KeyedSite
	for id, hash := range f.keys {
		out = append(out, scope.KeyedSite{Site: f.sites[id], KeyHash: hash})
	}
	return out, nil
}

func (f *fakeFinder) FindByID(_ context.Context, id uint) (scope.SiteInfo, error) {
	if s, ok := f.sites[id]; ok {
		return s, nil
	}
	return scope.SiteInfo{}, errs.ErrNotFound.New("site")
}

func (f *fakeFinder) FindByDomain(_ context.Context, domain string) (scope.SiteInfo, error) {
	for _, s := range f.sites {
		if s.Domain == domain {
			return s, nil
		}
	}
	return scope.SiteInfo{}, errs.ErrNotFound.New("site")
}

func (f *fakeFinder) FindBySlug(ctx context.Context, slug string) (scope.SiteInfo, error) {
	if id, ok := f.slugs[slug]; ok {
		return f.FindByID(ctx, id)
	}
	return scope.SiteInfo{}, errs.ErrNotFound.New("site")
}

func (f *fakeFinder) TouchAPIKey(_ context.Context, siteID uint, at time.Time) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched[siteID] = at
	return nil
}

func newChain(f *fakeFinder, hasher scope.KeyHasher, defaultID uint) *scope.Chain {
	logger := testsupport.GetLogger()
	return scope.NewChain(f, defaultID, logger,
		&scope.APIKeyResolver{Finder: f, Hasher: hasher, Logger: logger},
		&scope.HeaderResolver{Finder: f, Header: "X-Site-Id"},
		&scope.SubdomainResolver{Finder: f, BaseDomain: "track.example.net"},
		&scope.DomainResolver{Finder: f, BaseDomain: func(h string) string {
			parts := strings.Split(h, ".")
			return strings.Join(parts[len(parts)-2:], ".")
		}},
		&scope.ExplicitIDResolver{Finder: f},
	)
}

func TestChainResolutionOrder(t *testing.T) {
	hasher := scope.NewKeyHasher("secret")
	f := newFakeFinder()
	f.add(scope.SiteInfo{ID: 1, Domain: "one.com", Active: true}, "one")
	f.add(scope.SiteInfo{ID: 2, Domain: "two.com", Active: true, TenantID: "org:2"}, "two")
	f.add(scope.SiteInfo{ID: 3, Domain: "three.com", Active: true}, "")

	raw, _, err := scope.GenerateAPIKey()
	require.NoError(t, err)
	f.keys[1] = hasher.Hash(raw)

	chain := newChain(f, hasher, 0)
	ctx := context.Background()

	testCases := []struct {
		name string
		req  scope.Request
		want uint
	}{
		{"api key wins over header", scope.Request{APIKey: raw, Headers: map[string]string{"X-Site-Id": "2"}}, 1},
		{"header", scope.Request{Headers: map[string]string{"x-site-id": "2"}, Host: "three.com"}, 2},
		{"subdomain", scope.Request{Host: "two.track.example.net"}, 2},
		{"exact domain", scope.Request{Host: "three.com:443"}, 3},
		{"base domain fallback", scope.Request{Host: "www.one.com"}, 1},
		{"explicit id", scope.Request{SiteID: "3"}, 3},
		{"unknown header falls through", scope.Request{Headers: map[string]string{"X-Site-Id": "99"}, SiteID: "2"}, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := chain.Resolve(ctx, tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, s.SiteID())
		})
	}

	s, err := chain.Resolve(ctx, scope.Request{Headers: map[string]string{"X-Site-Id": "2"}})
	require.NoError(t, err)
	assert.Equal(t, "org:2", s.TenantID())

	assert.Contains(t, f.touched, uint(1))
}

func TestChainUnresolvedAndDefault(t *testing.T) {
	f := newFakeFinder()
	f.add(scope.SiteInfo{ID: 5, Domain: "default.com", Active: true}, "")

	_, err := newChain(f, scope.NewKeyHasher("s"), 0).Resolve(context.Background(), scope.Request{Host: "nowhere.org"})
	assert.True(t, errs.Is(err, errs.ErrScopeUnresolved))

	s, err := newChain(f, scope.NewKeyHasher("s"), 5).Resolve(context.Background(), scope.Request{Host: "nowhere.org"})
	require.NoError(t, err)
	assert.Equal(t, uint(5), s.SiteID())
}

func TestAPIKeyFailuresAreUniform(t *testing.T) {
	hasher := scope.NewKeyHasher("secret")
	f := newFakeFinder()
	f.add(scope.SiteInfo{ID: 1, Domain: "active.com", Active: true}, "")
	f.add(scope.SiteInfo{ID: 2, Domain: "disabled.com", Active: false}, "")

	activeKey, _, _ := scope.GenerateAPIKey()
	disabledKey, _, _ := scope.GenerateAPIKey()
	unknownKey, _, _ := scope.GenerateAPIKey()
	f.keys[1] = hasher.Hash(activeKey)
	f.keys[2] = hasher.Hash(disabledKey)

	chain := newChain(f, hasher, 1)

	var messages []string
	for _, key := range []string{"not-a-key", "sl_zz", disabledKey, unknownKey} {
		_, err := chain.Resolve(context.Background(), scope.Request{APIKey: key})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrUnauthorized), key)
		messages = append(messages, err.Error())
	}
	for _, m := range messages {
		assert.Equal(t, messages[0], m)
	}
	assert.NotContains(t, f.touched, uint(2))
}

func TestAPIKeyTouchFailureIsNonFatal(t *testing.T) {
	hasher := scope.NewKeyHasher("secret")
	f := newFakeFinder()
	f.add(scope.SiteInfo{ID: 1, Domain: "active.com", Active: true}, "")
	raw, _, _ := scope.GenerateAPIKey()
	f.keys[1] = hasher.Hash(raw)
	f.touchErr = errors.New("database is locked")

	s, err := newChain(f, hasher, 0).Resolve(context.Background(), scope.Request{APIKey: raw})
	require.NoError(t, err)
	assert.Equal(t, uint(1), s.SiteID())
}

func TestKeyHasher(t *testing.T) {
	raw, prefix, err := scope.GenerateAPIKey()
	require.NoError(t, err)

	got, ok := scope.LookupPrefix(raw)
	assert.True(t, ok)
	assert.Equal(t, prefix, got)

	h := scope.NewKeyHasher("secret")
	hash := h.Hash(raw)
	assert.NotContains(t, hash, raw[3:])
	assert.True(t, h.Matches(raw, hash))
	assert.False(t, scope.NewKeyHasher("other").Matches(raw, hash))
}
