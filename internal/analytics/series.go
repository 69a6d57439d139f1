package analytics

import (
	"context"
	"slices"
	"time"

	"siteline/internal/timeframe"
)

// TimeSeries returns one point per bucket of the range for pageviews,
// sessions, events or visitors. Buckets start at local boundaries of the
// range timezone. Visitors are distinct within each bucket.
func (e *Engine) TimeSeries(ctx context.Context, metric string, q Query) ([]timeframe.Point, error) {
	switch metric {
	case MetricPageViews, MetricSessions, MetricEvents, MetricVisitors:
	default:
		return nil, unknownMetric(metric)
	}
	points, err := query(ctx, e, "series:"+metric, q, func(ctx context.Context, r reader, q Query) ([]timeframe.Point, error) {
		tf := q.Range
		bucketOf := func(t time.Time) int64 {
			return timeframe.TruncateToBucketInTimezone(t, tf.BucketSize, tf.Tz).Unix()
		}
		values := make(map[int64]float64)

		if metric == MetricVisitors {
			pairs, err := r.visitorSlots(ctx, q.Filters, tf.From, tf.To)
			if err != nil {
				return nil, err
			}
			type seenKey struct {
				bucket  int64
				visitor uint
			}
			seen := make(map[seenKey]bool, len(pairs))
			for _, p := range pairs {
				k := seenKey{bucketOf(time.Unix(p.Slot, 0)), p.VisitorID}
				if !seen[k] {
					seen[k] = true
					values[k.bucket]++
				}
			}
			return tf.BuildTimeSeriesPoints(values), nil
		}

		p, err := r.plan(ctx, q)
		if err != nil {
			return nil, err
		}
		if tf.BucketSize == timeframe.BucketHour {
			hours, err := r.rolledHours(ctx, metric, p.dates)
			if err != nil {
				return nil, err
			}
			for date, byHour := range hours {
				day := p.days[date]
				for hour, n := range byHour {
					values[bucketOf(time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, tf.Tz))] += float64(n)
				}
			}
		} else {
			days, err := r.rolledDays(ctx, metric, p.dates)
			if err != nil {
				return nil, err
			}
			for date, n := range days {
				values[bucketOf(p.days[date])] += float64(n)
			}
		}
		spans := p.raw
		for _, s := range spans {
			slots, err := r.slots(ctx, measures[metric], q.Filters, s.from, s.to)
			if err != nil {
				return nil, err
			}
			for slot, n := range slots {
				values[bucketOf(time.Unix(slot, 0))] += n
			}
		}
		return tf.BuildTimeSeriesPoints(values), nil
	})
	return slices.Clone(points), err
}
