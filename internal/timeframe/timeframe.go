package timeframe

import (
	"fmt"
	"time"
)

// BucketSize is the granularity of a time series.
type BucketSize string

const (
	BucketHour  BucketSize = "hour"
	BucketDay   BucketSize = "day"
	BucketWeek  BucketSize = "week"
	BucketMonth BucketSize = "month"
)

// RangeLabel names a predefined range relative to now.
type RangeLabel string

const (
	LabelToday       RangeLabel = "today"
	LabelYesterday   RangeLabel = "yesterday"
	LabelLast7Days   RangeLabel = "last_7_days"
	LabelLast30Days  RangeLabel = "last_30_days"
	LabelMonthToDate RangeLabel = "month_to_date"
	LabelLastMonth   RangeLabel = "last_month"
	LabelCustom      RangeLabel = "custom"
)

// maxBuckets bounds generated series.
const maxBuckets = 2000

type TimeProvider interface {
	Now(loc *time.Location) time.Time
}

// DefaultTimeProvider reads the system clock.
type DefaultTimeProvider struct{}

func (p *DefaultTimeProvider) Now(loc *time.Location) time.Time {
	return time.Now().In(loc)
}

// TimeFrame is the half open interval [From, To). Bucket boundaries are
// computed in Tz so that days and months follow the site's local calendar.
type TimeFrame struct {
	From       time.Time
	To         time.Time
	Label      RangeLabel
	BucketSize BucketSize
	Tz         *time.Location
}

// Point is one bucket of a time series.
type Point struct {
	Time  time.Time `json:"time"`
	Label string    `json:"label"`
	Value float64   `json:"value"`
}

// NewTimeFrame validates a range. An empty bucket picks one from the range length.
func NewTimeFrame(from, to time.Time, bucket BucketSize, tz *time.Location) (*TimeFrame, error) {
	if tz == nil {
		tz = time.UTC
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("from must be before to")
	}
	if bucket == "" {
		bucket = AppropriateBucketSize(from, to)
	}
	if _, err := ParseBucketSize(string(bucket)); err != nil {
		return nil, err
	}
	return &TimeFrame{
		From:       from.UTC(),
		To:         to.UTC(),
		Label:      LabelCustom,
		BucketSize: bucket,
		Tz:         tz,
	}, nil
}

// ParseBucketSize accepts hour, day, week or month. Empty means automatic.
func ParseBucketSize(s string) (BucketSize, error) {
	switch b := BucketSize(s); b {
	case "", BucketHour, BucketDay, BucketWeek, BucketMonth:
		return b, nil
	}
	return "", fmt.Errorf("unknown bucket size: %s", s)
}

// AppropriateBucketSize keeps series readable: hours up to two days, days up
// to a quarter, months beyond.
func AppropriateBucketSize(from, to time.Time) BucketSize {
	days := to.Sub(from).Hours() / 24
	switch {
	case days > 90:
		return BucketMonth
	case days > 2:
		return BucketDay
	default:
		return BucketHour
	}
}

func (tf *TimeFrame) Duration() time.Duration {
	return tf.To.Sub(tf.From)
}

// Contains reports whether t falls inside the frame.
func (tf *TimeFrame) Contains(t time.Time) bool {
	return !t.Before(tf.From) && t.Before(tf.To)
}

// Previous is the period of equal length that ends where tf starts.
func (tf *TimeFrame) Previous() *TimeFrame {
	d := tf.Duration()
	return &TimeFrame{
		From:       tf.From.Add(-d),
		To:         tf.From,
		Label:      LabelCustom,
		BucketSize: tf.BucketSize,
		Tz:         tf.Tz,
	}
}

// Buckets returns the local start of every bucket overlapping the frame.
func (tf *TimeFrame) Buckets() []time.Time {
	var out []time.Time
	for t := TruncateToBucketInTimezone(tf.From, tf.BucketSize, tf.Tz); t.Before(tf.To); t = NextBucket(t, tf.BucketSize) {
		out = append(out, t)
		if len(out) >= maxBuckets {
			break
		}
	}
	return out
}

// TruncateToBucketInTimezone returns the start of the bucket containing t, in loc.
// Weeks start on Monday.
func TruncateToBucketInTimezone(t time.Time, bucket BucketSize, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	year, month, day := local.Date()

	switch bucket {
	case BucketMonth:
		return time.Date(year, month, 1, 0, 0, 0, 0, loc)
	case BucketWeek:
		weekday := int(local.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return time.Date(year, month, day-(weekday-1), 0, 0, 0, 0, loc)
	case BucketDay:
		return time.Date(year, month, day, 0, 0, 0, 0, loc)
	case BucketHour:
		return time.Date(year, month, day, local.Hour(), 0, 0, 0, loc)
	default:
		return local
	}
}

// NextBucket returns the start of the bucket after the one starting at t.
func NextBucket(t time.Time, bucket BucketSize) time.Time {
	switch bucket {
	case BucketMonth:
		return t.AddDate(0, 1, 0)
	case BucketWeek:
		return t.AddDate(0, 0, 7)
	case BucketDay:
		return t.AddDate(0, 0, 1)
	default:
		return t.Add(time.Hour)
	}
}

// BucketLabel formats a bucket start for display.
func BucketLabel(t time.Time, bucket BucketSize) string {
	switch bucket {
	case BucketHour:
		return t.Format("2006-01-02 15:00")
	case BucketMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// BuildTimeSeriesPoints emits one point per bucket. values is keyed by the
// Unix seconds of a bucket start; missing buckets are zero.
func (tf *TimeFrame) BuildTimeSeriesPoints(values map[int64]float64) []Point {
	buckets := tf.Buckets()
	points := make([]Point, len(buckets))
	for i, b := range buckets {
		points[i] = Point{Time: b, Label: BucketLabel(b, tf.BucketSize), Value: values[b.Unix()]}
	}
	return points
}

// DaySplit divides a frame into whole local days and the partial remainder.
type DaySplit struct {
	// Days holds the local midnight of every fully covered day.
	Days    []time.Time
	Partial []TimeFrame
}

// SplitFullDays separates the local days fully inside the frame from the
// leading and trailing partial spans.
func (tf *TimeFrame) SplitFullDays() DaySplit {
	var split DaySplit
	first := TruncateToBucketInTimezone(tf.From, BucketDay, tf.Tz)
	if first.Before(tf.From) {
		first = first.AddDate(0, 0, 1)
	}
	end := first
	for next := end.AddDate(0, 0, 1); !next.After(tf.To); next = end.AddDate(0, 0, 1) {
		split.Days = append(split.Days, end)
		end = next
	}
	if len(split.Days) == 0 {
		split.Partial = []TimeFrame{*tf}
		return split
	}
	if tf.From.Before(first) {
		split.Partial = append(split.Partial, TimeFrame{From: tf.From, To: first.UTC(), BucketSize: tf.BucketSize, Tz: tf.Tz, Label: LabelCustom})
	}
	if end.Before(tf.To) {
		split.Partial = append(split.Partial, TimeFrame{From: end.UTC(), To: tf.To, BucketSize: tf.BucketSize, Tz: tf.Tz, Label: LabelCustom})
	}
	return split
}
