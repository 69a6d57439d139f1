package events_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/events"
	"siteline/internal/notify"
	"siteline/internal/sessions"
	"siteline/internal/testsupport"
	"siteline/internal/visitors"
)

type recordingMatcher struct {
	records []events.Record
	err     error
}

func (m *recordingMatcher) Match(_ context.Context, r events.Record) error {
	m.records = append(m.records, r)
	return m.err
}

type recordingPublisher struct {
	published []notify.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n notify.Notification) {
	p.published = append(p.published, n)
}

type fixture struct {
	db        *gorm.DB
	ctx       context.Context
	logs      *bytes.Buffer
	pipeline  *events.Pipeline
	matcher   *recordingMatcher
	publisher *recordingPublisher
	session   *sessions.Session
	visitor   *visitors.Visitor
	resolver  *visitors.Resolver
	manager   *sessions.Manager
}

var t0 = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, schemas *events.SchemaRegistry) fixture {
	t.Helper()
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	testsupport.CleanAllTables(db)

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	site := testsupport.CreateTestSite(t, db, "shop.example")
	ctx := testsupport.ScopeFor(site)
	resolver := visitors.NewResolver(db, logger)
	v, err := resolver.ResolveVisitor(ctx, "fp-1", visitors.Traits{}, t0)
	require.NoError(t, err)
	manager := sessions.NewManager(db, logger, 30*time.Minute)
	s, err := manager.Start(ctx, v, sessions.StartData{Token: "tok", At: t0})
	require.NoError(t, err)

	matcher := &recordingMatcher{}
	publisher := &recordingPublisher{}
	pipeline := events.NewPipeline(db, logger, events.PipelineOptions{
		Schemas:          schemas,
		Matcher:          matcher,
		Publisher:        publisher,
		EngagementEvents: []string{"scroll", "click"},
		MaxPropertyBytes: 256,
	})
	return fixture{
		db:        db,
		ctx:       ctx,
		logs:      logs,
		pipeline:  pipeline,
		matcher:   matcher,
		publisher: publisher,
		session:   s,
		visitor:   v,
		resolver:  resolver,
		manager:   manager,
	}
}

func TestIngestPageView(t *testing.T) {
	t.Run("persists and updates session and visitor", func(t *testing.T) {
		f := setup(t, nil)
		pv, err := f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{
			Path:      "pricing",
			Title:     "Pricing",
			Payload:   map[string]any{"plan": "pro"},
			Timestamp: t0.Add(time.Second),
		})
		require.NoError(t, err)
		assert.NotZero(t, pv.ID)
		assert.Equal(t, "/pricing", pv.Path)
		assert.Equal(t, f.session.SiteID, pv.SiteID)

		v, err := f.resolver.Get(f.ctx, f.visitor.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v.TotalPageviews)

		s, err := f.manager.Get(f.ctx, f.session.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, s.PageCount)
		assert.Equal(t, "/pricing", s.EntryPath)
	})

	t.Run("matches goals and publishes after commit", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{Path: "/", Timestamp: t0})
		require.NoError(t, err)

		require.Len(t, f.matcher.records, 1)
		r := f.matcher.records[0]
		assert.Equal(t, events.KindPageView, r.Kind())
		assert.Equal(t, 1, r.Session.PageCount, "subscribers see committed counters")

		var count int64
		require.NoError(t, f.db.Model(&events.PageView{}).Where("id = ?", r.ID()).Count(&count).Error)
		assert.Equal(t, int64(1), count)

		require.Len(t, f.publisher.published, 1)
		assert.Equal(t, "event_tracked", f.publisher.published[0].Name())
	})

	t.Run("goal matching failure does not fail ingestion", func(t *testing.T) {
		f := setup(t, nil)
		f.matcher.err = errors.New("store down")
		_, err := f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{Path: "/", Timestamp: t0})
		require.NoError(t, err)
		assert.Len(t, f.publisher.published, 1)
	})

	t.Run("missing path is rejected and nothing is written", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{Timestamp: t0})
		assert.True(t, errs.Is(err, errs.ErrValidationFailed))
		assert.Empty(t, f.matcher.records)
		assert.Empty(t, f.publisher.published)
	})

	t.Run("oversized payload is rejected", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{
			Path:    "/",
			Payload: map[string]any{"blob": strings.Repeat("x", 300)},
		})
		assert.True(t, errs.Is(err, errs.ErrValidationFailed))
	})

	t.Run("ended session fails closed", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.manager.End(f.ctx, "tok", t0.Add(time.Minute))
		require.NoError(t, err)

		_, err = f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{Path: "/", Timestamp: t0.Add(2 * time.Minute)})
		require.Error(t, err)

		var count int64
		require.NoError(t, f.db.Model(&events.PageView{}).Count(&count).Error)
		assert.Zero(t, count, "the page view rolls back with the session update")
		v, err := f.resolver.Get(f.ctx, f.visitor.ID)
		require.NoError(t, err)
		assert.Zero(t, v.TotalPageviews)
	})

	t.Run("session of another site is refused", func(t *testing.T) {
		f := setup(t, nil)
		other := testsupport.CreateTestSite(t, f.db, "other.example")
		_, err := f.pipeline.IngestPageView(testsupport.ScopeFor(other), f.session, f.visitor, events.PageViewData{Path: "/"})
		assert.True(t, errs.Is(err, errs.ErrTenantBoundaryViolation))
	})
}

func TestIngestEvent(t *testing.T) {
	t.Run("infers category and counts the event", func(t *testing.T) {
		f := setup(t, nil)
		e, err := f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{
			Name:       "add_to_cart",
			Properties: map[string]any{"product_id": "sku-1"},
			Timestamp:  t0,
		})
		require.NoError(t, err)
		assert.Equal(t, events.CategoryEcommerce, e.Category)

		v, err := f.resolver.Get(f.ctx, f.visitor.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v.TotalEvents)
	})

	t.Run("explicit category wins", func(t *testing.T) {
		f := setup(t, nil)
		e, err := f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{Name: "purchase", Category: "custom", Properties: map[string]any{"order_id": "A"}})
		require.NoError(t, err)
		assert.Equal(t, "custom", e.Category)
	})

	t.Run("purchase without order id is persisted with a warning", func(t *testing.T) {
		f := setup(t, nil)
		e, err := f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{
			Name:       "purchase",
			Properties: map[string]any{"total": 42},
			Timestamp:  t0,
		})
		require.NoError(t, err)
		assert.NotZero(t, e.ID)
		assert.Contains(t, f.logs.String(), "order_id")
		assert.Contains(t, f.logs.String(), "level=WARN")
	})

	t.Run("configured schema rejects purchase without order id", func(t *testing.T) {
		schemas, err := events.ParseSchemas([]byte("events:\n  purchase:\n    required: [order_id]\n"))
		require.NoError(t, err)
		f := setup(t, schemas)

		_, err = f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{Name: "purchase", Properties: map[string]any{"total": 42}})
		assert.True(t, errs.Is(err, errs.ErrValidationFailed))

		var count int64
		require.NoError(t, f.db.Model(&events.Event{}).Count(&count).Error)
		assert.Zero(t, count)
		assert.Empty(t, f.publisher.published)
	})

	t.Run("engagement event clears bounce", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{Path: "/", Timestamp: t0})
		require.NoError(t, err)

		_, err = f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{Name: "newsletter_view", Timestamp: t0.Add(time.Second)})
		require.NoError(t, err)
		s, err := f.manager.Get(f.ctx, f.session.ID)
		require.NoError(t, err)
		assert.True(t, s.IsBounce)

		_, err = f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{Name: "Scroll", Timestamp: t0.Add(2 * time.Second)})
		require.NoError(t, err)
		s, err = f.manager.Get(f.ctx, f.session.ID)
		require.NoError(t, err)
		assert.False(t, s.IsBounce)
	})

	t.Run("page view reference must belong to the session", func(t *testing.T) {
		f := setup(t, nil)
		pv, err := f.pipeline.IngestPageView(f.ctx, f.session, f.visitor, events.PageViewData{Path: "/", Timestamp: t0})
		require.NoError(t, err)

		_, err = f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{Name: "click", PageViewID: &pv.ID})
		require.NoError(t, err)

		missing := pv.ID + 100
		_, err = f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{Name: "click", PageViewID: &missing})
		assert.True(t, errs.Is(err, errs.ErrValidationFailed))
	})

	t.Run("name is required", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{Name: "  "})
		assert.True(t, errs.Is(err, errs.ErrValidationFailed))
	})

	t.Run("event record exposes properties to matching", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.pipeline.IngestEvent(f.ctx, f.session, f.visitor, events.EventData{
			Name:       "signup",
			Properties: map[string]any{"plan": map[string]any{"tier": "pro"}},
		})
		require.NoError(t, err)
		require.Len(t, f.matcher.records, 1)
		got, ok := f.matcher.records[0].Field("properties.plan.tier")
		assert.True(t, ok)
		assert.Equal(t, "pro", got)
		name, _ := f.matcher.records[0].Field("name")
		assert.Equal(t, "signup", name)
	})
}

func TestInferCategory(t *testing.T) {
	tests := map[string]string{
		"purchase":          events.CategoryEcommerce,
		"Checkout_Started":  events.CategoryEcommerce,
		"form_submit":       events.CategoryForms,
		"booking_confirmed": events.CategoryBooking,
		"video_play":        events.CategoryMedia,
		"outbound_click":    events.CategoryEngagement,
		"mystery":           "",
	}
	for name, want := range tests {
		assert.Equal(t, want, events.InferCategory(name), name)
	}
}

func TestSchemaRegistry(t *testing.T) {
	registry, err := events.ParseSchemas([]byte("events:\n  lead:\n    required: [email, source]\n"))
	require.NoError(t, err)

	_, err = registry.Validate("lead", map[string]any{"email": "a@b.c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source")

	warnings, err := registry.Validate("lead", map[string]any{"email": "a@b.c", "source": "ad"})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	warnings, err = registry.Validate("refund", nil)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)

	_, err = events.LoadSchemas("/does/not/exist.yml")
	assert.Error(t, err)
}

func TestTrackWithIdentity(t *testing.T) {
	t.Run("identity is resolved in the record transaction", func(t *testing.T) {
		f := setup(t, nil)
		hit, err := f.pipeline.TrackPageView(f.ctx, func(ctx context.Context) (*sessions.Session, *visitors.Visitor, error) {
			v, err := f.resolver.ResolveVisitor(ctx, "fp-2", visitors.Traits{Country: "FR"}, t0)
			if err != nil {
				return nil, nil, err
			}
			s, _, err := f.manager.Resolve(ctx, v, sessions.StartData{Token: "tok-2", EntryPath: "/", At: t0})
			return s, v, err
		}, events.PageViewData{Path: "/", Timestamp: t0})
		require.NoError(t, err)
		assert.Equal(t, "fp-2", hit.Visitor.Fingerprint)
		assert.Equal(t, 1, hit.Session.PageCount, "the returned session carries the committed counters")
		assert.Equal(t, hit.Session.ID, hit.PageView.SessionID)
		require.Len(t, f.matcher.records, 1)
	})

	t.Run("a failed record rolls back its visitor and session", func(t *testing.T) {
		f := setup(t, nil)
		missing := uint(404)
		_, err := f.pipeline.TrackEvent(f.ctx, func(ctx context.Context) (*sessions.Session, *visitors.Visitor, error) {
			v, err := f.resolver.ResolveVisitor(ctx, "fp-3", visitors.Traits{}, t0)
			if err != nil {
				return nil, nil, err
			}
			s, err := f.manager.Start(ctx, v, sessions.StartData{Token: "tok-3", At: t0})
			return s, v, err
		}, events.EventData{Name: "click", PageViewID: &missing, Timestamp: t0})
		require.True(t, errs.Is(err, errs.ErrValidationFailed), "got %v", err)

		var visitorsCount, sessionsCount int64
		require.NoError(t, f.db.Model(&visitors.Visitor{}).Count(&visitorsCount).Error)
		require.NoError(t, f.db.Model(&sessions.Session{}).Count(&sessionsCount).Error)
		assert.Equal(t, int64(1), visitorsCount, "only the fixture visitor remains")
		assert.Equal(t, int64(1), sessionsCount, "only the fixture session remains")
		assert.Empty(t, f.matcher.records)
	})

	t.Run("identity errors abort the record", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.pipeline.TrackPageView(f.ctx, func(context.Context) (*sessions.Session, *visitors.Visitor, error) {
			return nil, nil, errs.ErrNotFound.New("session")
		}, events.PageViewData{Path: "/"})
		assert.True(t, errs.Is(err, errs.ErrNotFound))
		var count int64
		require.NoError(t, f.db.Model(&events.PageView{}).Count(&count).Error)
		assert.Zero(t, count)
	})
}
