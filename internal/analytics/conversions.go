package analytics

import (
	"context"
	"errors"
	"slices"
	"strconv"
)

// GoalRow summarizes the conversions of one goal in a range.
type GoalRow struct {
	GoalID         uint    `json:"goal_id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Conversions    int64   `json:"conversions"`
	Value          float64 `json:"value"`
	ConversionRate float64 `json:"conversion_rate"`
}

// GoalConversions ranks goals by conversions in the range. ConversionRate is
// relative to the sessions started in the range under the same filters.
func (e *Engine) GoalConversions(ctx context.Context, q Query) ([]GoalRow, error) {
	rows, err := query(ctx, e, "goals", q, func(ctx context.Context, r reader, q Query) ([]GoalRow, error) {
		from, args := r.from(conversionBase, q.Filters, q.Range.From, q.Range.To)
		var rows []GoalRow
		err := r.db.WithContext(ctx).Raw(
			"SELECT c.goal_id AS goal_id, g.name AS name, g.type AS type, COUNT(*) AS conversions, COALESCE(SUM(c.value), 0) AS value"+
				from+" GROUP BY c.goal_id, g.name, g.type ORDER BY conversions DESC, c.goal_id LIMIT ?",
			append(args, q.Limit)...,
		).Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		sessions, err := r.tallyRange(ctx, MetricSessions, q)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			rows[i].ConversionRate = percent(rows[i].Conversions, sessions.Count)
		}
		return rows, nil
	})
	return slices.Clone(rows), err
}

// FunnelStep is the reach of one funnel step. DropOff counts the sessions
// that reached this step but not the next.
type FunnelStep struct {
	Step              int     `json:"step"`
	Reached           int64   `json:"reached"`
	DropOff           int64   `json:"drop_off"`
	DropOffPercent    float64 `json:"drop_off_percent"`
	ConversionPercent float64 `json:"conversion_percent"`
}

// Funnel is the step by step report of a funnel goal.
type Funnel struct {
	GoalID         uint         `json:"goal_id"`
	Name           string       `json:"name"`
	Steps          []FunnelStep `json:"steps"`
	Completed      int64        `json:"completed"`
	ConversionRate float64      `json:"conversion_rate"`
}

// FunnelReport replays the sessions of the range through a funnel goal.
// Filters do not apply.
func (e *Engine) FunnelReport(ctx context.Context, goalID uint, q Query) (*Funnel, error) {
	if e.goals == nil {
		return nil, errors.New("funnel reports need a goal engine")
	}
	q.Filters = Filters{}
	f, err := query(ctx, e, "funnel:"+strconv.FormatUint(uint64(goalID), 10), q, func(ctx context.Context, r reader, q Query) (Funnel, error) {
		g, err := e.goals.Store().Get(ctx, goalID)
		if err != nil {
			return Funnel{}, err
		}
		reach, err := e.goals.FunnelReach(ctx, goalID, q.Range.From, q.Range.To)
		if err != nil {
			return Funnel{}, err
		}
		return buildFunnel(g.ID, g.Name, reach), nil
	})
	if err != nil {
		return nil, err
	}
	f.Steps = slices.Clone(f.Steps)
	return &f, nil
}

func buildFunnel(goalID uint, name string, reach []int64) Funnel {
	f := Funnel{GoalID: goalID, Name: name, Steps: make([]FunnelStep, len(reach))}
	if len(reach) == 0 {
		return f
	}
	for i, n := range reach {
		step := FunnelStep{Step: i + 1, Reached: n, ConversionPercent: percent(n, reach[0])}
		if i+1 < len(reach) {
			step.DropOff = n - reach[i+1]
			step.DropOffPercent = percent(step.DropOff, n)
		}
		f.Steps[i] = step
	}
	f.Completed = reach[len(reach)-1]
	f.ConversionRate = percent(f.Completed, reach[0])
	return f
}
