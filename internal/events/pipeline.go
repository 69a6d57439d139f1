package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/metrics"
	"siteline/internal/models"
	"siteline/internal/notify"
	"siteline/internal/scope"
	"siteline/internal/sessions"
	"siteline/internal/visitors"
)

const (
	maxPathLength = 2048
	maxNameLength = 255
)

// EventTracked is published after a page view or event is committed.
type EventTracked struct {
	Record Record
}

func (EventTracked) Name() string { return "event_tracked" }

// Matcher evaluates goals against a committed record.
type Matcher interface {
	Match(ctx context.Context, r Record) error
}

// Publisher delivers notifications to subscribers.
type Publisher interface {
	Publish(ctx context.Context, n notify.Notification)
}

// PipelineOptions wires the collaborators of a Pipeline. Matcher and
// Publisher are optional.
type PipelineOptions struct {
	Schemas          *SchemaRegistry
	Matcher          Matcher
	Publisher        Publisher
	EngagementEvents []string
	MaxPropertyBytes int
}

// Pipeline validates and persists telemetry, then hands each record to goal
// matching and subscribers.
type Pipeline struct {
	db               *gorm.DB
	logger           *slog.Logger
	schemas          *SchemaRegistry
	matcher          Matcher
	publisher        Publisher
	engagement       map[string]bool
	maxPropertyBytes int
}

func NewPipeline(db *gorm.DB, logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if opts.Schemas == nil {
		opts.Schemas = NewSchemaRegistry(nil)
	}
	engagement := make(map[string]bool, len(opts.EngagementEvents))
	for _, name := range opts.EngagementEvents {
		engagement[strings.ToLower(name)] = true
	}
	return &Pipeline{
		db:               db,
		logger:           logger,
		schemas:          opts.Schemas,
		matcher:          opts.Matcher,
		publisher:        opts.Publisher,
		engagement:       engagement,
		maxPropertyBytes: opts.MaxPropertyBytes,
	}
}

// SetMatcher attaches goal matching after construction.
func (p *Pipeline) SetMatcher(m Matcher) { p.matcher = m }

// CheckPageView returns the validation error IngestPageView would fail with,
// without touching the store.
func (p *Pipeline) CheckPageView(d PageViewData) error {
	if _, err := validatePath(d.Path, true); err != nil {
		return err
	}
	_, err := p.encode(d.Payload)
	return err
}

// CheckEvent is CheckPageView for events. Schema warnings are not reported.
func (p *Pipeline) CheckEvent(d EventData) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return errs.ErrValidationFailed.New("event name is required")
	}
	if len(name) > maxNameLength {
		return errs.ErrValidationFailed.New("event name is too long")
	}
	if _, err := validatePath(d.Path, false); err != nil {
		return err
	}
	if _, err := p.schemas.Validate(name, d.Properties); err != nil {
		return err
	}
	_, err := p.encode(d.Properties)
	return err
}

// Identity resolves the session and visitor a record belongs to. It runs
// inside the ingest transaction; ctx carries that transaction, so writes made
// through models.Write roll back with the record.
type Identity func(ctx context.Context) (*sessions.Session, *visitors.Visitor, error)

// Known is the Identity of an already resolved session and visitor.
func Known(s *sessions.Session, v *visitors.Visitor) Identity {
	return func(context.Context) (*sessions.Session, *visitors.Visitor, error) {
		return s, v, nil
	}
}

// Hit is one committed record with the session and visitor it updated.
type Hit struct {
	Session  *sessions.Session
	Visitor  *visitors.Visitor
	PageView *PageView
	Event    *Event
}

// IngestPageView persists a page view and updates its session and visitor in
// one transaction.
func (p *Pipeline) IngestPageView(ctx context.Context, s *sessions.Session, v *visitors.Visitor, d PageViewData) (*PageView, error) {
	hit, err := p.TrackPageView(ctx, Known(s, v), d)
	if err != nil {
		return nil, err
	}
	return hit.PageView, nil
}

// TrackPageView resolves identify and persists the page view in a single
// transaction. Nothing is written when any step fails.
func (p *Pipeline) TrackPageView(ctx context.Context, identify Identity, d PageViewData) (*Hit, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	path, err := validatePath(d.Path, true)
	if err != nil {
		p.count(KindPageView, "invalid")
		return nil, err
	}
	payload, err := p.encode(d.Payload)
	if err != nil {
		p.count(KindPageView, "invalid")
		return nil, err
	}

	pv := &PageView{
		Ownership:    sc.Own(),
		Path:         path,
		Title:        truncate(d.Title, 512),
		ReferrerPath: truncate(d.ReferrerPath, maxPathLength),
		LoadTimeMs:   nonNegative(d.LoadTimeMs),
		TTFBMs:       nonNegative(d.TTFBMs),
		ScrollDepth:  clampPercent(d.ScrollDepth),
		Payload:      payload,
		Timestamp:    timestampOrNow(d.Timestamp),
	}

	hit := &Hit{PageView: pv}
	err = models.PerformWrite(p.logger, p.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := p.resolve(ctx, tx, identify, hit); err != nil {
			return err
		}
		pv.ID = 0
		pv.SessionID, pv.VisitorID = hit.Session.ID, hit.Visitor.ID
		if err := tx.Create(pv).Error; err != nil {
			return fmt.Errorf("insert page view: %w", err)
		}
		if err := sessions.RecordPageView(ctx, tx, pv.SessionID, pv.Path, pv.Timestamp); err != nil {
			return err
		}
		return visitors.IncrementCounters(ctx, tx, pv.VisitorID, visitors.Counters{Pageviews: 1})
	})
	if err != nil {
		p.failed(KindPageView, err)
		return nil, err
	}
	p.count(KindPageView, "ok")

	hit.Session = p.refresh(ctx, hit.Session)
	p.afterCommit(ctx, NewPageViewRecord(pv, hit.Session, hit.Visitor))
	return hit, nil
}

// IngestEvent validates an event against the schema registry and persists it.
func (p *Pipeline) IngestEvent(ctx context.Context, s *sessions.Session, v *visitors.Visitor, d EventData) (*Event, error) {
	hit, err := p.TrackEvent(ctx, Known(s, v), d)
	if err != nil {
		return nil, err
	}
	return hit.Event, nil
}

// TrackEvent is TrackPageView for custom events.
func (p *Pipeline) TrackEvent(ctx context.Context, identify Identity, d EventData) (*Hit, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(d.Name)
	if name == "" {
		p.count(KindEvent, "invalid")
		return nil, errs.ErrValidationFailed.New("event name is required")
	}
	if len(name) > maxNameLength {
		p.count(KindEvent, "invalid")
		return nil, errs.ErrValidationFailed.New("event name is too long")
	}
	path, err := validatePath(d.Path, false)
	if err != nil {
		p.count(KindEvent, "invalid")
		return nil, err
	}
	warnings, err := p.schemas.Validate(name, d.Properties)
	if err != nil {
		p.count(KindEvent, "invalid")
		return nil, err
	}
	for _, w := range warnings {
		p.logger.Warn("Event is missing a recommended property",
			slog.String("event", name),
			slog.Uint64("site_id", uint64(sc.SiteID())),
			slog.String("warning", w))
	}
	props, err := p.encode(d.Properties)
	if err != nil {
		p.count(KindEvent, "invalid")
		return nil, err
	}

	category := strings.TrimSpace(d.Category)
	if category == "" {
		category = InferCategory(name)
	}
	e := &Event{
		Ownership:  sc.Own(),
		PageViewID: d.PageViewID,
		Name:       name,
		Category:   category,
		Action:     truncate(d.Action, maxNameLength),
		Label:      truncate(d.Label, maxNameLength),
		Value:      d.Value,
		Properties: props,
		Source:     truncate(d.Source, 64),
		Path:       path,
		Timestamp:  timestampOrNow(d.Timestamp),
	}

	engagement := p.engagement[strings.ToLower(name)]
	hit := &Hit{Event: e}
	err = models.PerformWrite(p.logger, p.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := p.resolve(ctx, tx, identify, hit); err != nil {
			return err
		}
		e.ID = 0
		e.SessionID, e.VisitorID = hit.Session.ID, hit.Visitor.ID
		if e.PageViewID != nil {
			if err := p.checkPageView(ctx, tx, *e.PageViewID, e.SessionID); err != nil {
				return err
			}
		}
		if err := tx.Create(e).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if err := sessions.RecordEvent(ctx, tx, e.SessionID, e.Timestamp, engagement); err != nil {
			return err
		}
		return visitors.IncrementCounters(ctx, tx, e.VisitorID, visitors.Counters{Events: 1})
	})
	if err != nil {
		p.failed(KindEvent, err)
		return nil, err
	}
	p.count(KindEvent, "ok")

	hit.Session = p.refresh(ctx, hit.Session)
	p.afterCommit(ctx, NewEventRecord(e, hit.Session, hit.Visitor))
	return hit, nil
}

// resolve runs identify on tx and checks the result belongs to the active scope.
func (p *Pipeline) resolve(ctx context.Context, tx *gorm.DB, identify Identity, hit *Hit) error {
	s, v, err := identify(models.WithTx(ctx, tx))
	if err != nil {
		return err
	}
	if s == nil || v == nil {
		return errs.ErrValidationFailed.New("record has no session")
	}
	if err := scope.Guard(ctx, s, v); err != nil {
		return err
	}
	hit.Session, hit.Visitor = s, v
	return nil
}

func (p *Pipeline) checkPageView(ctx context.Context, tx *gorm.DB, id, sessionID uint) error {
	db, err := scope.DB(ctx, tx)
	if err != nil {
		return err
	}
	var count int64
	if err := db.Model(&PageView{}).Where("id = ? AND session_id = ?", id, sessionID).Count(&count).Error; err != nil {
		return fmt.Errorf("check page view: %w", err)
	}
	if count == 0 {
		return errs.ErrValidationFailed.New("page view reference does not belong to the session")
	}
	return nil
}

// afterCommit runs goal matching and publishes EventTracked. Neither can fail
// the ingestion call.
func (p *Pipeline) afterCommit(ctx context.Context, r Record) {
	if p.matcher != nil {
		if err := p.matcher.Match(ctx, r); err != nil {
			p.logger.Error("Goal matching failed",
				slog.String("kind", r.Kind()),
				slog.Uint64("record_id", uint64(r.ID())),
				slog.Any("error", err))
		}
	}
	if p.publisher != nil {
		p.publisher.Publish(ctx, EventTracked{Record: r})
	}
}

// refresh reloads the session so subscribers see the committed counters.
func (p *Pipeline) refresh(ctx context.Context, s *sessions.Session) *sessions.Session {
	db, err := scope.DB(ctx, p.db)
	if err != nil {
		return s
	}
	var fresh sessions.Session
	if err := db.First(&fresh, s.ID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			p.logger.Warn("Failed to reload session", slog.Uint64("session_id", uint64(s.ID)), slog.Any("error", err))
		}
		return s
	}
	return &fresh
}

func (p *Pipeline) encode(v map[string]any) (models.JSON, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := models.EncodeJSON(v, p.maxPropertyBytes)
	if err != nil {
		if errors.Is(err, models.ErrPayloadTooLarge) {
			return nil, errs.ErrValidationFailed.Wrap(err, "properties exceed the size limit")
		}
		return nil, errs.ErrValidationFailed.Wrap(err, "properties are not valid JSON")
	}
	return data, nil
}

func (p *Pipeline) count(kind, result string) {
	metrics.Ingested.WithLabelValues(kind, result).Inc()
}

func (p *Pipeline) failed(kind string, err error) {
	if errs.Is(err, errs.ErrValidationFailed) {
		p.count(kind, "invalid")
		return
	}
	p.count(kind, "error")
}

func validatePath(path string, required bool) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		if required {
			return "", errs.ErrValidationFailed.New("path is required")
		}
		return "", nil
	}
	if len(path) > maxPathLength {
		return "", errs.ErrValidationFailed.New("path is too long")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}

func nonNegative(v *int) *int {
	if v == nil || *v < 0 {
		return nil
	}
	return v
}

func clampPercent(v *int) *int {
	if v == nil {
		return nil
	}
	c := min(max(*v, 0), 100)
	return &c
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
