package v1_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	v1 "siteline/api/v1"
	"siteline/internal/analytics"
	"siteline/internal/consent"
	"siteline/internal/events"
	"siteline/internal/http/middleware"
	"siteline/internal/ratelimit"
	"siteline/internal/scope"
	"siteline/internal/sessions"
	"siteline/internal/settings"
	"siteline/internal/sites"
	"siteline/internal/testsupport"
	"siteline/internal/timeframe"
	"siteline/internal/tracking"
	"siteline/internal/visitors"
)

const (
	firefox   = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	googlebot = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

type fixedTime struct{ clock *testsupport.Clock }

func (f fixedTime) Now(loc *time.Location) time.Time { return f.clock.Now().In(loc) }

type fixture struct {
	db     *gorm.DB
	app    *fiber.App
	site   *sites.Site
	apiKey string
	repo   *sites.Repository
	hasher scope.KeyHasher
	clock  *testsupport.Clock
}

func setup(t *testing.T, limiter tracking.Limiter) *fixture {
	t.Helper()
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	testsupport.CleanAllTables(db)
	site := testsupport.CreateTestSite(t, db, "example.com")
	clock := testsupport.NewClock(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))

	exclusions := settings.NewStore(db, logger, time.Millisecond, nil)
	gate := consent.NewGate(consent.GateConfig{TrackingEnabled: true, HonorDoNotTrack: true, Category: "analytics"},
		exclusions, consent.NewStore(db, logger), logger).WithClock(clock.Now)
	service := tracking.NewService(gate, visitors.NewResolver(db, logger), sessions.NewManager(db, logger, 30*time.Minute),
		events.NewPipeline(db, logger, events.PipelineOptions{}), logger, tracking.Options{
			Salt:    "test-salt",
			Limiter: limiter,
			Now:     clock.Now,
		})
	engine, err := analytics.NewEngine(db, logger, nil, analytics.Options{CacheTTL: time.Millisecond, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	repo := sites.NewRepository(db, logger)
	hasher := scope.NewKeyHasher("test-secret")
	keys := &scope.APIKeyResolver{Finder: repo, Hasher: hasher, Logger: logger}
	chain := scope.NewChain(repo, 0, logger, keys,
		&scope.HeaderResolver{Finder: repo, Header: "X-Site-Id"},
		&scope.ExplicitIDResolver{Finder: repo})
	apiKey, err := repo.IssueAPIKey(t.Context(), site.ID, hasher)
	require.NoError(t, err)

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logger)})
	handler := v1.NewHandler(service, engine, timeframe.NewTimeFrameParser(fixedTime{clock}), logger)
	handler.Mount(app.Group("/api/v1"),
		middleware.Scope(chain, logger),
		middleware.APIKeyScope(scope.NewChain(repo, 0, logger, keys), logger))
	return &fixture{db: db, app: app, site: site, apiKey: apiKey, repo: repo, hasher: hasher, clock: clock}
}

// stats reads an analytics route with the site API key and no site header.
func (f *fixture) stats(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	return f.do(t, fiber.MethodGet, path, nil, map[string]string{
		fiber.HeaderAuthorization: "Bearer " + f.apiKey,
		"X-Site-Id":               "",
	})
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", firefox)
	req.Header.Set("X-Forwarded-For", "81.2.69.142")
	req.Header.Set("X-Site-Id", strconv.FormatUint(uint64(f.site.ID), 10))
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestCreatePageView(t *testing.T) {
	t.Run("tracks and continues the session", func(t *testing.T) {
		f := setup(t, nil)
		resp, body := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{
			"url":           "https://example.com/pricing?utm_source=newsletter",
			"referrer":      "https://news.ycombinator.com/item?id=1",
			"session_token": "tab-1",
		}, nil)
		require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
		assert.Equal(t, true, body["tracked"])

		session := body["session"].(map[string]any)
		assert.Equal(t, "tab-1", session["token"])
		assert.Equal(t, "/pricing", session["entry_path"])
		assert.Equal(t, "newsletter", session["utm_source"])
		assert.Equal(t, "/pricing", body["pageview"].(map[string]any)["path"])

		f.clock.Advance(time.Minute)
		resp, body = f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/docs"},
			map[string]string{v1.SessionTokenHeader: "tab-1"})
		require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
		next := body["session"].(map[string]any)
		assert.Equal(t, session["id"], next["id"])
		assert.Equal(t, float64(2), next["page_count"])
	})

	t.Run("bots are dropped without error", func(t *testing.T) {
		f := setup(t, nil)
		resp, body := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"},
			map[string]string{"User-Agent": googlebot})
		require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
		assert.Equal(t, false, body["tracked"])
		assert.Equal(t, tracking.ReasonBot, body["reason"])
	})

	t.Run("do not track is honored", func(t *testing.T) {
		f := setup(t, nil)
		resp, body := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"},
			map[string]string{"DNT": "1"})
		require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
		assert.Equal(t, false, body["tracked"])
		assert.NotEmpty(t, body["reason"])
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		f := setup(t, nil)
		req := httptest.NewRequest(fiber.MethodPost, "/api/v1/pageviews", bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Site-Id", strconv.FormatUint(uint64(f.site.ID), 10))
		resp, err := f.app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing path fails validation", func(t *testing.T) {
		f := setup(t, nil)
		resp, body := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"title": "Home"}, nil)
		assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
		assert.Contains(t, body["error"], "path")
	})

	t.Run("unknown site", func(t *testing.T) {
		f := setup(t, nil)
		resp, _ := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"},
			map[string]string{"X-Site-Id": ""})
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateEvent(t *testing.T) {
	f := setup(t, nil)
	resp, body := f.do(t, fiber.MethodPost, "/api/v1/events", map[string]any{
		"name":       "signup",
		"path":       "/pricing",
		"properties": map[string]any{"plan": "pro"},
	}, nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["tracked"])
	assert.Equal(t, "signup", body["event"].(map[string]any)["name"])
	assert.Equal(t, float64(1), body["session"].(map[string]any)["event_count"])
}

func TestSessionRoutes(t *testing.T) {
	f := setup(t, nil)
	resp, body := f.do(t, fiber.MethodPost, "/api/v1/sessions", map[string]any{"entry_path": "/landing"}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	session := body["session"].(map[string]any)
	token := session["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "/landing", session["entry_path"])

	f.clock.Advance(5 * time.Minute)
	resp, body = f.do(t, fiber.MethodPost, "/api/v1/sessions/"+token+"/extend", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Nil(t, body["ended_at"])

	resp, body = f.do(t, fiber.MethodPost, "/api/v1/sessions/"+token+"/end", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["ended_at"])

	resp, _ = f.do(t, fiber.MethodPost, "/api/v1/sessions/"+token+"/extend", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestRateLimitedRequests(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Options{Requests: 1, Window: time.Minute})
	require.NoError(t, err)
	t.Cleanup(limiter.Close)
	f := setup(t, limiter)

	resp, _ := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"}, nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"}, nil)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	retry, err := strconv.Atoi(resp.Header.Get(fiber.HeaderRetryAfter))
	require.NoError(t, err)
	assert.InDelta(t, 60, retry, 1)
}

func TestStats(t *testing.T) {
	f := setup(t, nil)
	for _, path := range []string{"/", "/pricing", "/pricing"} {
		resp, _ := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": path, "session_token": "tab-1"}, nil)
		require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	}

	t.Run("scalar comparison", func(t *testing.T) {
		resp, body := f.stats(t, "/api/v1/stats/pageviews?range=today")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "pageviews", body["metric"])
		assert.Equal(t, "2026-07-01T00:00:00Z", body["from"])
		data := body["data"].(map[string]any)
		assert.Equal(t, float64(3), data["value"])
		assert.Equal(t, float64(0), data["previous_value"])
	})

	t.Run("breakdown", func(t *testing.T) {
		resp, body := f.stats(t, "/api/v1/stats/page?range=today")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		rows := body["data"].([]any)
		require.Len(t, rows, 2)
		top := rows[0].(map[string]any)
		assert.Equal(t, "/pricing", top["key"])
		assert.Equal(t, float64(2), top["count"])
	})

	t.Run("filtered series", func(t *testing.T) {
		resp, body := f.stats(t, "/api/v1/stats/pageviews?range=today&bucket=hour&series=true&path=/pricing")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "hour", body["bucket"])
		var total float64
		for _, p := range body["data"].([]any) {
			total += p.(map[string]any)["value"].(float64)
		}
		assert.Equal(t, float64(2), total)
	})

	t.Run("overview", func(t *testing.T) {
		resp, body := f.stats(t, "/api/v1/stats/overview?range=today")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		data := body["data"].(map[string]any)
		assert.Equal(t, float64(1), data["sessions"].(map[string]any)["value"])
		assert.Equal(t, float64(1), data["visitors"].(map[string]any)["value"])
	})

	t.Run("realtime", func(t *testing.T) {
		resp, body := f.stats(t, "/api/v1/stats/realtime")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["active_visitors"])
		assert.Equal(t, float64(5), body["minutes"])
	})

	t.Run("errors", func(t *testing.T) {
		resp, _ := f.stats(t, "/api/v1/stats/nope")
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

		resp, _ = f.stats(t, "/api/v1/stats/pageviews?range=forever")
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

		resp, _ = f.stats(t, "/api/v1/stats/funnel")
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

		resp, _ = f.stats(t, "/api/v1/stats/realtime?minutes=0")
		assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestStatsRequireAPIKey(t *testing.T) {
	f := setup(t, nil)
	resp, _ := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"}, nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	id := strconv.FormatUint(uint64(f.site.ID), 10)

	t.Run("site header alone is refused", func(t *testing.T) {
		resp, body := f.do(t, fiber.MethodGet, "/api/v1/stats/pageviews?range=today", nil, nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "API key required", body["error"])
		resp, _ = f.do(t, fiber.MethodGet, "/api/v1/stats/realtime", nil, nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("site_id parameter alone is refused", func(t *testing.T) {
		resp, _ := f.do(t, fiber.MethodGet, "/api/v1/stats/pageviews?range=today&site_id="+id, nil, map[string]string{"X-Site-Id": ""})
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown keys are refused", func(t *testing.T) {
		resp, body := f.do(t, fiber.MethodGet, "/api/v1/stats/pageviews?range=today", nil, map[string]string{middleware.APIKeyHeader: "sl_bogus"})
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid API key", body["error"])
	})

	t.Run("the key decides the site", func(t *testing.T) {
		other := testsupport.CreateTestSite(t, f.db, "other.example")
		key, err := f.repo.IssueAPIKey(t.Context(), other.ID, f.hasher)
		require.NoError(t, err)
		resp, body := f.do(t, fiber.MethodGet, "/api/v1/stats/pageviews?range=today&site_id="+id, nil, map[string]string{
			fiber.HeaderAuthorization: "Bearer " + key,
		})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(0), body["data"].(map[string]any)["value"], "another site's key never reads this site")

		resp, body = f.stats(t, "/api/v1/stats/pageviews?range=today")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["data"].(map[string]any)["value"])
	})
}

func TestRecordConsent(t *testing.T) {
	f := setup(t, nil)
	require.NoError(t, f.db.Model(f.site).Update("consent_required", true).Error)

	resp, body := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"}, nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, consent.ReasonConsentMissing, body["reason"])

	resp, body = f.do(t, fiber.MethodPost, "/api/v1/consents", map[string]any{"granted": true, "ttl_seconds": 3600}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["granted"])
	assert.Equal(t, "analytics", body["category"])
	assert.NotEmpty(t, body["expires_at"])

	f.clock.Advance(time.Second)
	resp, body = f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"}, nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["tracked"])

	resp, _ = f.do(t, fiber.MethodPost, "/api/v1/consents", map[string]any{"granted": false}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	f.clock.Advance(time.Second)
	resp, body = f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{"path": "/"}, nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, consent.ReasonConsentRevoked, body["reason"])

	resp, _ = f.do(t, fiber.MethodPost, "/api/v1/consents", map[string]any{"category": "analytics"}, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode, "granted is required")
	resp, _ = f.do(t, fiber.MethodPost, "/api/v1/consents", map[string]any{"granted": true}, map[string]string{"X-Site-Id": ""})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "consent needs a site")
}

func TestTimestampBounds(t *testing.T) {
	f := setup(t, nil)
	resp, _ := f.do(t, fiber.MethodPost, "/api/v1/pageviews", map[string]any{
		"path":      "/",
		"timestamp": f.clock.Now().Add(time.Hour),
	}, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}
