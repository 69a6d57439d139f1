package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"siteline/internal/errs"
	"siteline/internal/events"
	"siteline/internal/goals/condition"
	"siteline/internal/metrics"
	"siteline/internal/models"
	"siteline/internal/notify"
	"siteline/internal/scope"
	"siteline/internal/sessions"
	"siteline/internal/visitors"
)

// GoalConverted is published after a conversion is committed.
type GoalConverted struct {
	Goal       *Goal
	Conversion *Conversion
	Session    *sessions.Session
	Visitor    *visitors.Visitor
}

func (GoalConverted) Name() string { return "goal_converted" }

// Publisher delivers notifications to subscribers.
type Publisher interface {
	Publish(ctx context.Context, n notify.Notification)
}

// Engine evaluates active goals against committed records.
type Engine struct {
	db        *gorm.DB
	logger    *slog.Logger
	store     *Store
	publisher Publisher
	goals     *cache.Cache[scope.Scope, []*compiled]
}

// NewEngine builds an engine whose active goal list is cached for ttl per site.
func NewEngine(db *gorm.DB, logger *slog.Logger, publisher Publisher, ttl time.Duration) *Engine {
	e := &Engine{db: db, logger: logger, store: NewStore(db, logger), publisher: publisher}
	e.goals = cache.NewCache[scope.Scope, []*compiled](logger, ttl, func(sc scope.Scope) ([]*compiled, error) {
		active, err := e.store.active(scope.WithScope(context.Background(), sc))
		if err != nil {
			return nil, err
		}
		out := make([]*compiled, 0, len(active))
		for _, g := range active {
			out = append(out, compile(g))
		}
		return out, nil
	})
	e.store.onChange = e.goals.Remove
	return e
}

// Store exposes goal persistence.
func (e *Engine) Store() *Store { return e.store }

// Match evaluates every active goal of the active site against r. Malformed
// goals are skipped with a warning; duplicate conversions are ignored. A goal
// that fails to convert is logged and does not stop the others; the failures
// are returned joined.
func (e *Engine) Match(ctx context.Context, r events.Record) error {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return err
	}
	goals, err := e.goals.Get(sc)
	if err != nil {
		return fmt.Errorf("load goals: %w", err)
	}
	var (
		history []events.Record
		loaded  bool
		failed  []error
	)
	for _, c := range goals {
		if c.err != nil {
			e.skip(c, c.err)
			continue
		}
		switch c.goal.Type {
		case TypeSimple:
			if !targets(c.goal.Target, r.Kind()) || !c.root.Eval(r) {
				continue
			}
		case TypeFunnel:
			if !c.steps[len(c.steps)-1].Eval(r) {
				continue
			}
			if !loaded {
				if history, err = e.sessionRecords(ctx, r.Session, r.Visitor, r.Timestamp()); err != nil {
					return errors.Join(append(failed, err)...)
				}
				loaded = true
			}
			if !completesAt(c.steps, history, r) {
				continue
			}
		}
		if err := e.convert(ctx, c, r); err != nil {
			e.logger.Error("Failed to record conversion",
				slog.Uint64("goal_id", uint64(c.goal.ID)),
				slog.String("goal", c.goal.Name),
				slog.Any("error", err))
			failed = append(failed, fmt.Errorf("goal %d: %w", c.goal.ID, err))
		}
	}
	return errors.Join(failed...)
}

// Activate turns a goal on and replays [from, to) so historical sessions
// that satisfied it also convert. It returns the number of new conversions.
func (e *Engine) Activate(ctx context.Context, goalID uint, from, to time.Time) (int, error) {
	if err := e.store.setActive(ctx, goalID, true); err != nil {
		return 0, err
	}
	return e.Reevaluate(ctx, goalID, from, to)
}

// Deactivate stops matching a goal. Existing conversions are kept.
func (e *Engine) Deactivate(ctx context.Context, goalID uint) error {
	return e.store.setActive(ctx, goalID, false)
}

// Reevaluate replays every session with activity in [from, to) against one
// goal. Dedupe keys make it safe to run repeatedly.
func (e *Engine) Reevaluate(ctx context.Context, goalID uint, from, to time.Time) (int, error) {
	g, err := e.store.Get(ctx, goalID)
	if err != nil {
		return 0, err
	}
	c := compile(*g)
	if c.err != nil {
		return 0, errs.ErrValidationFailed.Wrap(c.err, "goal conditions")
	}

	created, replayed := 0, 0
	err = e.eachSession(ctx, from, to, func(history []events.Record) error {
		replayed++
		for _, r := range replay(c, history) {
			if r.Timestamp().Before(from) {
				continue
			}
			inserted, err := e.insert(ctx, c, r)
			if err != nil {
				return err
			}
			if inserted {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return created, err
	}
	e.logger.Info("Goal reevaluated",
		slog.Uint64("goal_id", uint64(goalID)),
		slog.Int("sessions", replayed),
		slog.Int("conversions", created))
	return created, nil
}

// FunnelReach counts, per step of a funnel goal, the sessions active in
// [from, to) that reached it in order. reach[0] is the sessions that matched
// the first step.
func (e *Engine) FunnelReach(ctx context.Context, goalID uint, from, to time.Time) ([]int64, error) {
	g, err := e.store.Get(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if g.Type != TypeFunnel {
		return nil, errs.ErrValidationFailed.New(fmt.Sprintf("goal %d is not a funnel", goalID))
	}
	c := compile(*g)
	if c.err != nil {
		return nil, errs.ErrValidationFailed.Wrap(c.err, "goal steps")
	}
	reach := make([]int64, len(c.steps))
	err = e.eachSession(ctx, from, to, func(history []events.Record) error {
		for i := 0; i < furthestStep(c.steps, history, from); i++ {
			reach[i]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reach, nil
}

// furthestStep returns how many steps history satisfied in order, counting
// only records at or after from.
func furthestStep(steps []condition.Node, history []events.Record, from time.Time) int {
	next := 0
	for _, r := range history {
		if r.Timestamp().Before(from) {
			continue
		}
		if steps[next].Eval(r) {
			next++
			if next == len(steps) {
				return next
			}
		}
	}
	return next
}

// eachSession loads every session with activity in [from, to) and hands its
// ordered records to fn.
func (e *Engine) eachSession(ctx context.Context, from, to time.Time, fn func(history []events.Record) error) error {
	db, err := scope.DB(ctx, e.db)
	if err != nil {
		return err
	}
	db = db.Session(&gorm.Session{})
	var sessionList []sessions.Session
	err = db.Where("started_at < ? AND last_activity_at >= ?", to, from).Order("started_at, id").Find(&sessionList).Error
	if err != nil {
		return fmt.Errorf("load sessions for replay: %w", err)
	}
	for i := range sessionList {
		s := &sessionList[i]
		var v visitors.Visitor
		if err := db.First(&v, s.VisitorID).Error; err != nil {
			return fmt.Errorf("load visitor %d: %w", s.VisitorID, err)
		}
		history, err := e.sessionRecords(ctx, s, &v, to)
		if err != nil {
			return err
		}
		if err := fn(history); err != nil {
			return err
		}
	}
	return nil
}

// replay returns the records of one session that convert c.
func replay(c *compiled, history []events.Record) []events.Record {
	var out []events.Record
	switch c.goal.Type {
	case TypeSimple:
		for _, r := range history {
			if targets(c.goal.Target, r.Kind()) && c.root.Eval(r) {
				out = append(out, r)
			}
		}
	case TypeFunnel:
		out = funnelCompletions(c.steps, history)
	}
	return out
}

// funnelCompletions walks history in order. A step only advances after the
// previous one matched; the record satisfying the final step completes the
// funnel and progress starts over.
func funnelCompletions(steps []condition.Node, history []events.Record) []events.Record {
	var out []events.Record
	next := 0
	for _, r := range history {
		if !steps[next].Eval(r) {
			continue
		}
		next++
		if next == len(steps) {
			out = append(out, r)
			next = 0
		}
	}
	return out
}

func completesAt(steps []condition.Node, history []events.Record, r events.Record) bool {
	for _, done := range funnelCompletions(steps, history) {
		if done.Kind() == r.Kind() && done.ID() == r.ID() {
			return true
		}
	}
	return false
}

func targets(target, kind string) bool {
	return target == TargetAny || target == kind
}

func (e *Engine) convert(ctx context.Context, c *compiled, r events.Record) error {
	inserted, err := e.insert(ctx, c, r)
	if err != nil {
		return err
	}
	if !inserted {
		e.logger.Debug("Conversion already recorded",
			slog.Uint64("goal_id", uint64(c.goal.ID)),
			slog.Any("reason", errs.ErrDuplicateConversion.New(c.goal.ID)))
	}
	return nil
}

// insert writes the conversion for r. It reports false when the dedupe key
// already converted.
func (e *Engine) insert(ctx context.Context, c *compiled, r events.Record) (bool, error) {
	conv, err := e.buildConversion(ctx, c, r)
	if err != nil {
		return false, err
	}
	var inserted bool
	err = models.PerformWrite(e.logger, e.db.WithContext(ctx), func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "goal_id"}, {Name: "dedupe_key"}},
			DoNothing: true,
		}).Create(conv)
		if result.Error != nil {
			return fmt.Errorf("insert conversion: %w", result.Error)
		}
		inserted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		metrics.Conversions.WithLabelValues(c.goal.Type, "error").Inc()
		return false, err
	}
	if !inserted {
		metrics.Conversions.WithLabelValues(c.goal.Type, "duplicate").Inc()
		return false, nil
	}
	metrics.Conversions.WithLabelValues(c.goal.Type, "recorded").Inc()

	if e.publisher != nil {
		goal := c.goal
		e.publisher.Publish(ctx, GoalConverted{Goal: &goal, Conversion: conv, Session: r.Session, Visitor: r.Visitor})
	}
	return true, nil
}

func (e *Engine) buildConversion(ctx context.Context, c *compiled, r events.Record) (*Conversion, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	conv := &Conversion{
		Ownership:   sc.Own(),
		GoalID:      c.goal.ID,
		SessionID:   r.SessionID(),
		VisitorID:   r.VisitorID(),
		RecordKind:  r.Kind(),
		RecordID:    r.ID(),
		Value:       value(c.goal, r),
		DedupeKey:   dedupeKey(c.goal.RepeatPolicy, r),
		ConvertedAt: r.Timestamp(),
	}
	meta := map[string]any{"goal_type": c.goal.Type}
	if c.goal.Type == TypeFunnel {
		meta["steps"] = len(c.steps)
	}
	if conv.Metadata, err = models.EncodeJSON(meta, 0); err != nil {
		return nil, err
	}
	if err := scope.Guard(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func value(g Goal, r events.Record) float64 {
	switch g.ValueMode {
	case ValueFixed:
		return g.FixedValue
	case ValueDynamic:
		raw, ok := r.Field(g.ValueField)
		if !ok {
			return 0
		}
		if n, ok := condition.Number(raw); ok {
			return n
		}
	}
	return 0
}

// dedupeKey is unique per goal for non repeatable policies. every_time goals
// store NULL, which never conflicts.
func dedupeKey(policy RepeatPolicy, r events.Record) *string {
	var key string
	switch policy {
	case OncePerSession:
		key = fmt.Sprintf("s:%d", r.SessionID())
	case OncePerVisitor:
		key = fmt.Sprintf("v:%d", r.VisitorID())
	default:
		return nil
	}
	return &key
}

func (e *Engine) skip(c *compiled, err error) {
	metrics.GoalsSkipped.Inc()
	e.logger.Warn("Skipping goal with malformed conditions",
		slog.Uint64("goal_id", uint64(c.goal.ID)),
		slog.String("goal", c.goal.Name),
		slog.Any("error", err))
}

// sessionRecords loads the page views and events of s up to and including
// until, ordered by time.
func (e *Engine) sessionRecords(ctx context.Context, s *sessions.Session, v *visitors.Visitor, until time.Time) ([]events.Record, error) {
	if s == nil {
		return nil, nil
	}
	db, err := scope.DB(ctx, e.db)
	if err != nil {
		return nil, err
	}
	db = db.Session(&gorm.Session{})
	var pageViews []events.PageView
	if err := db.Where("session_id = ? AND timestamp <= ?", s.ID, until).Find(&pageViews).Error; err != nil {
		return nil, fmt.Errorf("load session page views: %w", err)
	}
	var evs []events.Event
	if err := db.Where("session_id = ? AND timestamp <= ?", s.ID, until).Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("load session events: %w", err)
	}

	records := make([]events.Record, 0, len(pageViews)+len(evs))
	for i := range pageViews {
		records = append(records, events.NewPageViewRecord(&pageViews[i], s, v))
	}
	for i := range evs {
		records = append(records, events.NewEventRecord(&evs[i], s, v))
	}
	sortRecords(records)
	return records, nil
}
