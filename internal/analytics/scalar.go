package analytics

import (
	"context"
	"fmt"

	"siteline/internal/errs"
)

func (e *Engine) count(ctx context.Context, metric string, q Query) (int64, error) {
	return query(ctx, e, metric, q, func(ctx context.Context, r reader, q Query) (int64, error) {
		t, err := r.tallyRange(ctx, metric, q)
		return t.Count, err
	})
}

// TotalPageViews counts page views in the range.
func (e *Engine) TotalPageViews(ctx context.Context, q Query) (int64, error) {
	return e.count(ctx, MetricPageViews, q)
}

// UniqueVisitors counts distinct visitors that started a session in the
// range. A single rolled up day is read from its rollup; anything else scans.
func (e *Engine) UniqueVisitors(ctx context.Context, q Query) (int64, error) {
	return query(ctx, e, MetricVisitors, q, func(ctx context.Context, r reader, q Query) (int64, error) {
		if date, ok := singleDay(q); ok {
			covered, err := r.covered(ctx, []string{date})
			if err != nil {
				return 0, err
			}
			if covered[date] {
				t, err := r.rolledTally(ctx, MetricVisitors, []string{date})
				return t.Count, err
			}
		}
		t, err := r.tally(ctx, measures[MetricVisitors], q.Filters, q.Range.From, q.Range.To)
		return t.Count, err
	})
}

// singleDay reports the local date when an unfiltered range is exactly one
// local day.
func singleDay(q Query) (string, bool) {
	if !q.Filters.Empty() {
		return "", false
	}
	split := q.Range.SplitFullDays()
	if len(split.Days) != 1 || len(split.Partial) != 0 {
		return "", false
	}
	return split.Days[0].Format(dateLayout), true
}

// TotalSessions counts sessions started in the range.
func (e *Engine) TotalSessions(ctx context.Context, q Query) (int64, error) {
	return e.count(ctx, MetricSessions, q)
}

// TotalEvents counts custom events in the range.
func (e *Engine) TotalEvents(ctx context.Context, q Query) (int64, error) {
	return e.count(ctx, MetricEvents, q)
}

// BounceRate is the percentage of sessions started in the range that bounced.
// It is zero when there were no sessions.
func (e *Engine) BounceRate(ctx context.Context, q Query) (float64, error) {
	return query(ctx, e, MetricBounceRate, q, func(ctx context.Context, r reader, q Query) (float64, error) {
		sessions, err := r.tallyRange(ctx, MetricSessions, q)
		if err != nil {
			return 0, err
		}
		bounces, err := r.tallyRange(ctx, MetricBounces, q)
		if err != nil {
			return 0, err
		}
		return percent(bounces.Count, sessions.Count), nil
	})
}

// AverageSessionDuration is the mean session length in seconds.
func (e *Engine) AverageSessionDuration(ctx context.Context, q Query) (float64, error) {
	return query(ctx, e, MetricAvgTime, q, func(ctx context.Context, r reader, q Query) (float64, error) {
		t, err := r.tallyRange(ctx, MetricDuration, q)
		if err != nil {
			return 0, err
		}
		if t.Count == 0 {
			return 0, nil
		}
		return t.Sum / float64(t.Count), nil
	})
}

// Scalar evaluates one of the scalar metrics by name.
func (e *Engine) Scalar(ctx context.Context, metric string, q Query) (float64, error) {
	switch metric {
	case MetricPageViews, MetricSessions, MetricEvents:
		n, err := e.count(ctx, metric, q)
		return float64(n), err
	case MetricVisitors:
		n, err := e.UniqueVisitors(ctx, q)
		return float64(n), err
	case MetricBounceRate:
		return e.BounceRate(ctx, q)
	case MetricAvgTime:
		return e.AverageSessionDuration(ctx, q)
	}
	return 0, unknownMetric(metric)
}

// Compare evaluates metric over the range and over the equally long period
// right before it.
func (e *Engine) Compare(ctx context.Context, metric string, q Query) (Comparison, error) {
	current, err := e.Scalar(ctx, metric, q)
	if err != nil {
		return Comparison{}, err
	}
	prev := q
	prev.Range = *q.Range.Previous()
	previousValue, err := e.Scalar(ctx, metric, prev)
	if err != nil {
		return Comparison{}, err
	}
	return NewComparison(current, previousValue), nil
}

func percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func unknownMetric(metric string) error {
	return errs.ErrValidationFailed.New(fmt.Sprintf("unknown metric %q", metric))
}
