package middleware_test

import (
	"errors"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteline/internal/errs"
	"siteline/internal/http/middleware"
	"siteline/internal/scope"
	"siteline/internal/sites"
	"siteline/internal/testsupport"
)

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", errs.RateLimited(1500 * time.Millisecond), fiber.StatusTooManyRequests},
		{"validation", errs.ErrValidationFailed.New("path is required"), fiber.StatusUnprocessableEntity},
		{"unauthorized", errs.ErrUnauthorized.New(), fiber.StatusUnauthorized},
		{"scope", errs.ErrScopeUnresolved.New("no site"), fiber.StatusBadRequest},
		{"boundary", errs.ErrTenantBoundaryViolation.New("site 2"), fiber.StatusForbidden},
		{"not found", errs.ErrNotFound.New("session"), fiber.StatusNotFound},
		{"timeout", errs.ErrQueryTimeout.New("overview"), fiber.StatusGatewayTimeout},
		{"fiber error", fiber.NewError(fiber.StatusConflict, "conflict"), fiber.StatusConflict},
		{"unknown", errors.New("disk full"), fiber.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(testsupport.GetLogger())})
			app.Get("/", func(*fiber.Ctx) error { return tc.err })

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.status == fiber.StatusTooManyRequests {
				assert.Equal(t, "2", resp.Header.Get(fiber.HeaderRetryAfter))
			}
		})
	}
}

func TestScope(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	logger := testsupport.GetLogger()
	site := testsupport.CreateTestSite(t, db, "example.com")
	repo := sites.NewRepository(db, logger)
	hasher := scope.NewKeyHasher("secret")
	key, err := repo.IssueAPIKey(t.Context(), site.ID, hasher)
	require.NoError(t, err)

	chain := scope.NewChain(repo, 0, logger,
		&scope.APIKeyResolver{Finder: repo, Hasher: hasher, Logger: logger},
		&scope.HeaderResolver{Finder: repo, Header: "X-Site-Id"},
	)
	app := fiber.New()
	app.Use(middleware.Scope(chain, logger))
	app.Get("/", func(c *fiber.Ctx) error {
		sc, err := scope.FromContext(c.UserContext())
		if err != nil {
			return err
		}
		return c.SendString(strconv.FormatUint(uint64(sc.SiteID()), 10))
	})

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"bearer key", map[string]string{"Authorization": "Bearer " + key}, fiber.StatusOK},
		{"api key header", map[string]string{middleware.APIKeyHeader: key}, fiber.StatusOK},
		{"site header", map[string]string{"X-Site-Id": strconv.FormatUint(uint64(site.ID), 10)}, fiber.StatusOK},
		{"bad key wins over site header", map[string]string{
			"Authorization": "Bearer sl_bogus",
			"X-Site-Id":     strconv.FormatUint(uint64(site.ID), 10),
		}, fiber.StatusUnauthorized},
		{"nothing to resolve", nil, fiber.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAPIKeyScope(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	logger := testsupport.GetLogger()
	site := testsupport.CreateTestSite(t, db, "example.com")
	repo := sites.NewRepository(db, logger)
	hasher := scope.NewKeyHasher("secret")
	key, err := repo.IssueAPIKey(t.Context(), site.ID, hasher)
	require.NoError(t, err)
	id := strconv.FormatUint(uint64(site.ID), 10)

	// A default site must not leak through either.
	chain := scope.NewChain(repo, site.ID, logger, &scope.APIKeyResolver{Finder: repo, Hasher: hasher, Logger: logger})
	app := fiber.New()
	app.Get("/stats", middleware.APIKeyScope(chain, logger), func(c *fiber.Ctx) error {
		sc, err := scope.FromContext(c.UserContext())
		if err != nil {
			return err
		}
		return c.SendString(strconv.FormatUint(uint64(sc.SiteID()), 10))
	})

	tests := []struct {
		name    string
		target  string
		headers map[string]string
		status  int
	}{
		{"bearer key", "/stats", map[string]string{"Authorization": "Bearer " + key}, fiber.StatusOK},
		{"api key header", "/stats", map[string]string{middleware.APIKeyHeader: key}, fiber.StatusOK},
		{"site header only", "/stats", map[string]string{"X-Site-Id": id}, fiber.StatusUnauthorized},
		{"site_id only", "/stats?site_id=" + id, nil, fiber.StatusUnauthorized},
		{"bad key", "/stats", map[string]string{"Authorization": "Bearer sl_bogus"}, fiber.StatusUnauthorized},
		{"nothing", "/stats", nil, fiber.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, tc.target, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
