// Package goals records conversions when telemetry satisfies a goal.
package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/goals/condition"
	"siteline/internal/models"
	"siteline/internal/scope"
)

// Goal types.
const (
	TypeSimple = "simple"
	TypeFunnel = "funnel"
)

// Record kinds a simple goal is evaluated against.
const (
	TargetPageView = "pageview"
	TargetEvent    = "event"
	TargetAny      = "any"
)

// RepeatPolicy decides how often a goal may convert.
type RepeatPolicy string

const (
	OncePerSession RepeatPolicy = "once_per_session"
	OncePerVisitor RepeatPolicy = "once_per_visitor"
	EveryTime      RepeatPolicy = "every_time"
)

// Value modes.
const (
	ValueNone    = "none"
	ValueFixed   = "fixed"
	ValueDynamic = "dynamic"
)

// Goal is a conversion rule authored by an operator.
type Goal struct {
	ID uint `gorm:"primaryKey" json:"id"`
	scope.Ownership
	Name         string       `gorm:"not null" json:"name"`
	Type         string       `gorm:"not null" json:"type"`
	Target       string       `gorm:"not null" json:"target"`
	Conditions   models.JSON  `gorm:"type:text" json:"conditions,omitempty"`
	Steps        models.JSON  `gorm:"type:text" json:"steps,omitempty"`
	RepeatPolicy RepeatPolicy `gorm:"not null" json:"repeat_policy"`
	ValueMode    string       `gorm:"not null" json:"value_mode"`
	FixedValue   float64      `gorm:"not null;default:0" json:"fixed_value"`
	ValueField   string       `gorm:"not null;default:''" json:"value_field"`
	Active       bool         `gorm:"not null;index" json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Conversion records that a session satisfied a goal.
type Conversion struct {
	ID uint `gorm:"primaryKey" json:"id"`
	scope.Ownership
	GoalID      uint        `gorm:"not null;uniqueIndex:idx_conversion_dedupe,priority:1" json:"goal_id"`
	SessionID   uint        `gorm:"not null;index" json:"session_id"`
	VisitorID   uint        `gorm:"not null;index" json:"visitor_id"`
	RecordKind  string      `gorm:"not null" json:"record_kind"`
	RecordID    uint        `gorm:"not null" json:"record_id"`
	Value       float64     `gorm:"not null;default:0" json:"value"`
	DedupeKey   *string     `gorm:"uniqueIndex:idx_conversion_dedupe,priority:2" json:"-"`
	Metadata    models.JSON `gorm:"type:text" json:"metadata,omitempty"`
	ConvertedAt time.Time   `gorm:"not null;index" json:"converted_at"`
	CreatedAt   time.Time   `json:"created_at"`
}

// GoalParams is the operator input for a goal.
type GoalParams struct {
	Name         string
	Type         string
	Target       string
	Conditions   json.RawMessage
	Steps        []json.RawMessage
	RepeatPolicy RepeatPolicy
	ValueMode    string
	FixedValue   float64
	ValueField   string
	Active       bool
}

// NewGoal validates p and builds a goal owned by sc. Condition trees must parse.
func NewGoal(sc scope.Scope, p GoalParams) (*Goal, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errs.ErrValidationFailed.New("goal name is required")
	}
	switch p.RepeatPolicy {
	case OncePerSession, OncePerVisitor, EveryTime:
	case "":
		return nil, errs.ErrValidationFailed.New("goal repeat policy is required")
	default:
		return nil, errs.ErrValidationFailed.New(fmt.Sprintf("unknown repeat policy %q", p.RepeatPolicy))
	}
	if p.ValueMode == "" {
		p.ValueMode = ValueNone
	}
	switch p.ValueMode {
	case ValueNone, ValueFixed:
	case ValueDynamic:
		if strings.TrimSpace(p.ValueField) == "" {
			return nil, errs.ErrValidationFailed.New("dynamic value needs a value field")
		}
	default:
		return nil, errs.ErrValidationFailed.New(fmt.Sprintf("unknown value mode %q", p.ValueMode))
	}

	g := &Goal{
		Ownership:    sc.Own(),
		Name:         name,
		Type:         p.Type,
		Target:       p.Target,
		RepeatPolicy: p.RepeatPolicy,
		ValueMode:    p.ValueMode,
		FixedValue:   p.FixedValue,
		ValueField:   strings.TrimSpace(p.ValueField),
		Active:       p.Active,
	}
	switch p.Type {
	case TypeSimple:
		if g.Target == "" {
			g.Target = TargetAny
		}
		if g.Target != TargetPageView && g.Target != TargetEvent && g.Target != TargetAny {
			return nil, errs.ErrValidationFailed.New(fmt.Sprintf("unknown goal target %q", g.Target))
		}
		if _, err := condition.Parse(p.Conditions); err != nil {
			return nil, errs.ErrValidationFailed.Wrap(err, "goal conditions")
		}
		g.Conditions = models.JSON(p.Conditions)
	case TypeFunnel:
		if len(p.Steps) < 2 {
			return nil, errs.ErrValidationFailed.New("a funnel needs at least two steps")
		}
		for i, step := range p.Steps {
			if _, err := condition.Parse(step); err != nil {
				return nil, errs.ErrValidationFailed.Wrap(err, fmt.Sprintf("funnel step %d", i+1))
			}
		}
		steps, err := json.Marshal(p.Steps)
		if err != nil {
			return nil, fmt.Errorf("encode funnel steps: %w", err)
		}
		g.Target = TargetAny
		g.Steps = models.JSON(steps)
	default:
		return nil, errs.ErrValidationFailed.New(fmt.Sprintf("unknown goal type %q", p.Type))
	}
	return g, nil
}

// compiled is a goal with its parsed condition trees.
type compiled struct {
	goal  Goal
	root  condition.Node
	steps []condition.Node
	err   error
}

func compile(g Goal) *compiled {
	c := &compiled{goal: g}
	switch g.Type {
	case TypeSimple:
		c.root, c.err = condition.Parse(g.Conditions)
	case TypeFunnel:
		var raw []json.RawMessage
		if err := g.Steps.Decode(&raw); err != nil {
			c.err = fmt.Errorf("decode funnel steps: %w", err)
			return c
		}
		if len(raw) == 0 {
			c.err = errors.New("funnel has no steps")
			return c
		}
		for i, step := range raw {
			node, err := condition.Parse(step)
			if err != nil {
				c.err = fmt.Errorf("step %d: %w", i+1, err)
				return c
			}
			c.steps = append(c.steps, node)
		}
	default:
		c.err = fmt.Errorf("unknown goal type %q", g.Type)
	}
	return c
}

// Store persists goals inside the active scope. Every write calls onChange
// with the scope it touched once committed.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	onChange func(scope.Scope)
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Create inserts g.
func (s *Store) Create(ctx context.Context, g *Goal) error {
	if err := scope.Guard(ctx, g); err != nil {
		return err
	}
	err := models.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

// Update replaces the definition of an existing goal with p. Conversions
// already recorded are kept.
func (s *Store) Update(ctx context.Context, id uint, p GoalParams) (*Goal, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	next, err := NewGoal(sc, p)
	if err != nil {
		return nil, err
	}
	err = models.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		db, err := scope.DB(ctx, tx)
		if err != nil {
			return err
		}
		var current Goal
		if err := db.First(&current, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrNotFound.New("goal")
			}
			return fmt.Errorf("load goal: %w", err)
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		if err := tx.Save(next).Error; err != nil {
			return fmt.Errorf("update goal: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx)
	return next, nil
}

// Delete removes a goal and its conversions.
func (s *Store) Delete(ctx context.Context, id uint) error {
	err := models.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		db, err := scope.DB(ctx, tx)
		if err != nil {
			return err
		}
		db = db.Session(&gorm.Session{})
		result := db.Where("id = ?", id).Delete(&Goal{})
		if result.Error != nil {
			return fmt.Errorf("delete goal: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errs.ErrNotFound.New("goal")
		}
		if err := db.Where("goal_id = ?", id).Delete(&Conversion{}).Error; err != nil {
			return fmt.Errorf("delete conversions: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

func (s *Store) changed(ctx context.Context) {
	if s.onChange == nil {
		return
	}
	if sc, err := scope.FromContext(ctx); err == nil {
		s.onChange(sc)
	}
}

// Get loads one goal of the active site.
func (s *Store) Get(ctx context.Context, id uint) (*Goal, error) {
	db, err := scope.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}
	var g Goal
	if err := db.First(&g, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound.New("goal")
		}
		return nil, fmt.Errorf("load goal: %w", err)
	}
	return &g, nil
}

// List returns every goal of the active site ordered by id.
func (s *Store) List(ctx context.Context) ([]Goal, error) {
	db, err := scope.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}
	var goals []Goal
	if err := db.Order("id").Find(&goals).Error; err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	return goals, nil
}

func (s *Store) active(ctx context.Context) ([]Goal, error) {
	db, err := scope.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}
	var goals []Goal
	if err := db.Where("active = ?", true).Order("id").Find(&goals).Error; err != nil {
		return nil, fmt.Errorf("load active goals: %w", err)
	}
	return goals, nil
}

func (s *Store) setActive(ctx context.Context, id uint, active bool) error {
	err := models.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		db, err := scope.DB(ctx, tx)
		if err != nil {
			return err
		}
		result := db.Model(&Goal{}).Where("id = ?", id).Updates(map[string]any{
			"active":     active,
			"updated_at": time.Now().UTC(),
		})
		if result.Error != nil {
			return fmt.Errorf("update goal: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errs.ErrNotFound.New("goal")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

// Conversions lists the conversions of a goal in the active site.
func (s *Store) Conversions(ctx context.Context, goalID uint) ([]Conversion, error) {
	db, err := scope.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}
	var out []Conversion
	if err := db.Where("goal_id = ?", goalID).Order("converted_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	return out, nil
}
