package analytics

import (
	"context"
	"fmt"
	"time"

	"siteline/internal/errs"
	"siteline/internal/pkg/async"
	"siteline/internal/scope"
	"siteline/internal/sessions"
)

// Overview is the headline metrics of a range, each against the previous
// period.
type Overview struct {
	Visitors    Comparison `json:"visitors"`
	PageViews   Comparison `json:"pageviews"`
	Sessions    Comparison `json:"sessions"`
	BounceRate  Comparison `json:"bounce_rate"`
	AvgDuration Comparison `json:"avg_duration"`
	Events      Comparison `json:"events"`
}

// Overview computes the headline comparisons in parallel. Any failing metric
// fails the whole overview.
func (e *Engine) Overview(ctx context.Context, q Query) (*Overview, error) {
	out := &Overview{}
	fields := []struct {
		metric string
		dst    *Comparison
	}{
		{MetricVisitors, &out.Visitors},
		{MetricPageViews, &out.PageViews},
		{MetricSessions, &out.Sessions},
		{MetricBounceRate, &out.BounceRate},
		{MetricAvgTime, &out.AvgDuration},
		{MetricEvents, &out.Events},
	}
	tasks := make([]async.Task, 0, len(fields))
	for _, f := range fields {
		tasks = append(tasks, async.Task{
			Name: f.metric,
			Execute: func(ctx context.Context) (any, error) {
				return e.Compare(ctx, f.metric, q)
			},
		})
	}
	results := e.pool.Execute(ctx, tasks)
	for _, f := range fields {
		r := results[f.metric]
		if r.Err != nil {
			return nil, r.Err
		}
		*f.dst = r.Data.(Comparison)
	}
	return out, nil
}

// ActiveVisitors counts visitors with an open session active in the last
// minutes. It always reads live rows.
func (e *Engine) ActiveVisitors(ctx context.Context, minutes int) (int64, error) {
	if minutes <= 0 {
		return 0, errs.ErrValidationFailed.New(fmt.Sprintf("minutes must be positive, got %d", minutes))
	}
	since := e.opts.Now().Add(-time.Duration(minutes) * time.Minute).UTC()
	return timed(ctx, e, "realtime", func(ctx context.Context) (int64, error) {
		db, err := scope.DB(ctx, e.db.Model(&sessions.Session{}))
		if err != nil {
			return 0, err
		}
		var n int64
		err = db.Where("ended_at IS NULL AND last_activity_at >= ?", since).Distinct("visitor_id").Count(&n).Error
		return n, err
	})
}
