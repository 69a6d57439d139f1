package analytics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"siteline/internal/scope"
)

// Metric names shared by queries and rollups.
const (
	MetricPageViews  = "pageviews"
	MetricVisitors   = "visitors"
	MetricSessions   = "sessions"
	MetricBounces    = "bounces"
	MetricDuration   = "duration"
	MetricEvents     = "events"
	MetricBounceRate = "bounce_rate"
	MetricAvgTime    = "avg_duration"
)

// durationExpr is the duration of a session, counting open ones up to their
// last activity.
const durationExpr = "CASE WHEN s.ended_at IS NULL THEN CAST(strftime('%s', s.last_activity_at) AS INTEGER) - CAST(strftime('%s', s.started_at) AS INTEGER) ELSE s.duration_seconds END"

const sourceExpr = "COALESCE(NULLIF(s.referrer_host, ''), 'direct')"

// slotSeconds is the raw bucketing step. Every timezone offset in use is a
// multiple of it, so slots never straddle a local hour.
const slotSeconds = 900

// base is a raw table together with the column that places its rows in time.
type base struct {
	table   string
	alias   string
	timeCol string
	join    string
}

var (
	pageViewBase = base{table: "page_views", alias: "p", timeCol: "p.timestamp"}
	sessionBase  = base{table: "sessions", alias: "s", timeCol: "s.started_at"}
	eventBase    = base{table: "events", alias: "e", timeCol: "e.timestamp"}

	conversionBase = base{
		table:   "conversions",
		alias:   "c",
		timeCol: "c.converted_at",
		join:    " JOIN goals g ON g.id = c.goal_id",
	}
)

// measure is one raw aggregate. Session metrics are attributed to the time the
// session started.
type measure struct {
	base  base
	count string
	sum   string
	min   string
	max   string
}

var measures = map[string]measure{
	MetricPageViews: {base: pageViewBase, count: "COUNT(*)"},
	MetricVisitors:  {base: sessionBase, count: "COUNT(DISTINCT s.visitor_id)"},
	MetricSessions:  {base: sessionBase, count: "COUNT(*)"},
	MetricBounces:   {base: sessionBase, count: "COALESCE(SUM(s.is_bounce), 0)"},
	MetricDuration: {
		base:  sessionBase,
		count: "COUNT(*)",
		sum:   "COALESCE(SUM(" + durationExpr + "), 0)",
		min:   "COALESCE(MIN(" + durationExpr + "), 0)",
		max:   "COALESCE(MAX(" + durationExpr + "), 0)",
	},
	MetricEvents: {base: eventBase, count: "COUNT(*)"},
}

// rolledMetrics get a scalar day row. The pageviews row is always written and
// marks the day as covered.
var rolledMetrics = []string{MetricPageViews, MetricVisitors, MetricSessions, MetricBounces, MetricDuration, MetricEvents}

var hourlyMetrics = []string{MetricPageViews, MetricSessions, MetricEvents}

// additive metrics can be summed across rolled up days.
var additive = map[string]bool{
	MetricPageViews: true,
	MetricSessions:  true,
	MetricBounces:   true,
	MetricDuration:  true,
	MetricEvents:    true,
}

// dimension groups a measure's rows by a key expression. Rows with an empty
// key are left out.
type dimension struct {
	measure string
	key     string
}

// Dimension names.
const (
	DimensionPage         = "page"
	DimensionEntryPage    = "entry_page"
	DimensionExitPage     = "exit_page"
	DimensionSource       = "source"
	DimensionReferrerType = "referrer_type"
	DimensionDevice       = "device"
	DimensionBrowser      = "browser"
	DimensionOS           = "os"
	DimensionCountry      = "country"
	DimensionUTMCampaign  = "utm_campaign"
	DimensionEvent        = "event"
)

var dimensions = map[string]dimension{
	DimensionPage:         {measure: MetricPageViews, key: "p.path"},
	DimensionEntryPage:    {measure: MetricSessions, key: "s.entry_path"},
	DimensionExitPage:     {measure: MetricSessions, key: "s.exit_path"},
	DimensionSource:       {measure: MetricSessions, key: sourceExpr},
	DimensionReferrerType: {measure: MetricSessions, key: "s.referrer_type"},
	DimensionDevice:       {measure: MetricSessions, key: "s.device"},
	DimensionBrowser:      {measure: MetricSessions, key: "s.browser"},
	DimensionOS:           {measure: MetricSessions, key: "s.os"},
	DimensionCountry:      {measure: MetricSessions, key: "s.country"},
	DimensionUTMCampaign:  {measure: MetricSessions, key: "s.utm_campaign"},
	DimensionEvent:        {measure: MetricEvents, key: "e.name"},
}

var dimensionNames = []string{
	DimensionPage, DimensionEntryPage, DimensionExitPage, DimensionSource, DimensionReferrerType,
	DimensionDevice, DimensionBrowser, DimensionOS, DimensionCountry, DimensionUTMCampaign, DimensionEvent,
}

type tally struct {
	Count int64   `gorm:"column:n"`
	Sum   float64 `gorm:"column:total"`
	Min   float64 `gorm:"column:low"`
	Max   float64 `gorm:"column:high"`
}

func (t tally) add(o tally) tally {
	switch {
	case o.Count == 0:
		return t
	case t.Count == 0:
		return o
	}
	return tally{Count: t.Count + o.Count, Sum: t.Sum + o.Sum, Min: min(t.Min, o.Min), Max: max(t.Max, o.Max)}
}

// reader runs raw and rollup reads for one scope.
type reader struct {
	db *gorm.DB
	sc scope.Scope
}

// where is a conjunction of SQL predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string { return strings.Join(w.clauses, " AND ") }

// from renders the FROM and WHERE clauses selecting the rows of b owned by
// the scope, inside [start, end) and matching f.
func (r reader) from(b base, f Filters, start, end time.Time) (string, []any) {
	var w where
	clause, args := r.sc.Filter(b.alias)
	w.add(clause, args...)
	w.add(b.timeCol+" >= ? AND "+b.timeCol+" < ?", start.UTC(), end.UTC())

	if f.Path != "" {
		switch b {
		case pageViewBase:
			w.add("p.path = ?", f.Path)
		case eventBase:
			w.add("e.path = ?", f.Path)
		case sessionBase:
			w.add("EXISTS (SELECT 1 FROM page_views pf WHERE pf.session_id = s.id AND pf.path = ?)", f.Path)
		default:
			w.add("EXISTS (SELECT 1 FROM page_views pf WHERE pf.session_id = "+b.alias+".session_id AND pf.path = ?)", f.Path)
		}
	}
	join := b.join
	if f.sessionFiltered() {
		if b != sessionBase {
			join += " JOIN sessions s ON s.id = " + b.alias + ".session_id"
		}
		f.sessionPredicates(&w)
	}
	return " FROM " + b.table + " " + b.alias + join + " WHERE " + w.String(), w.args
}

func (r reader) tally(ctx context.Context, m measure, f Filters, start, end time.Time) (tally, error) {
	selects := []string{m.count + " AS n"}
	for _, col := range []struct{ expr, alias string }{{m.sum, "total"}, {m.min, "low"}, {m.max, "high"}} {
		if col.expr == "" {
			col.expr = "0"
		}
		selects = append(selects, col.expr+" AS "+col.alias)
	}
	from, args := r.from(m.base, f, start, end)
	var t tally
	err := r.db.WithContext(ctx).Raw("SELECT "+strings.Join(selects, ", ")+from, args...).Scan(&t).Error
	return t, err
}

// groups counts the rows of d's measure per key.
func (r reader) groups(ctx context.Context, d dimension, f Filters, start, end time.Time) (map[string]int64, error) {
	m := measures[d.measure]
	from, args := r.from(m.base, f, start, end)
	var rows []struct {
		K string
		N int64
	}
	query := "SELECT " + d.key + " AS k, " + m.count + " AS n" + from + " AND " + d.key + " <> '' GROUP BY k"
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.K] = row.N
	}
	return out, nil
}

// slots counts m per UTC slot. Keys are slot starts in Unix seconds.
func (r reader) slots(ctx context.Context, m measure, f Filters, start, end time.Time) (map[int64]float64, error) {
	from, args := r.from(m.base, f, start, end)
	slot := slotExpr(m.base.timeCol)
	var rows []struct {
		Slot int64
		N    float64
	}
	if err := r.db.WithContext(ctx).Raw("SELECT "+slot+" AS slot, "+m.count+" AS n"+from+" GROUP BY slot", args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(rows))
	for _, row := range rows {
		out[row.Slot] = row.N
	}
	return out, nil
}

func slotExpr(col string) string {
	step := strconv.Itoa(slotSeconds)
	return "CAST(strftime('%s', " + col + ") AS INTEGER) / " + step + " * " + step
}

type visitorSlot struct {
	Slot      int64
	VisitorID uint
}

// visitorSlots lists the distinct visitors starting sessions per UTC slot.
func (r reader) visitorSlots(ctx context.Context, f Filters, start, end time.Time) ([]visitorSlot, error) {
	from, args := r.from(sessionBase, f, start, end)
	slot := slotExpr(sessionBase.timeCol)
	var rows []visitorSlot
	err := r.db.WithContext(ctx).Raw("SELECT DISTINCT "+slot+" AS slot, s.visitor_id AS visitor_id"+from, args...).Scan(&rows).Error
	return rows, err
}

// aggregates selects rollup rows of the scope.
func (r reader) aggregates(ctx context.Context) (*gorm.DB, error) {
	return scope.DB(ctx, r.db.Model(&Aggregate{}))
}

// covered returns the dates among dates that have been rolled up.
func (r reader) covered(ctx context.Context, dates []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(dates) == 0 {
		return out, nil
	}
	db, err := r.aggregates(ctx)
	if err != nil {
		return nil, err
	}
	var found []string
	err = db.Where("period = ? AND hour = -1 AND metric = ? AND dimension = '' AND date IN ?", PeriodDay, MetricPageViews, dates).
		Pluck("date", &found).Error
	if err != nil {
		return nil, err
	}
	for _, d := range found {
		out[d] = true
	}
	return out, nil
}

// rolledTally sums the scalar day rows of metric over dates.
func (r reader) rolledTally(ctx context.Context, metric string, dates []string) (tally, error) {
	var t tally
	if len(dates) == 0 {
		return t, nil
	}
	db, err := r.aggregates(ctx)
	if err != nil {
		return t, err
	}
	err = db.Select("COALESCE(SUM(value_count), 0) AS n, COALESCE(SUM(value_sum), 0) AS total, COALESCE(MIN(value_min), 0) AS low, COALESCE(MAX(value_max), 0) AS high").
		Where("period = ? AND hour = -1 AND metric = ? AND dimension = '' AND date IN ?", PeriodDay, metric, dates).
		Scan(&t).Error
	return t, err
}

// rolledGroups sums dimension day rows over dates.
func (r reader) rolledGroups(ctx context.Context, name string, dates []string) (map[string]int64, error) {
	out := make(map[string]int64)
	if len(dates) == 0 {
		return out, nil
	}
	db, err := r.aggregates(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		K string
		N int64
	}
	err = db.Select("dimension_value AS k, SUM(value_count) AS n").
		Where("period = ? AND hour = -1 AND dimension = ? AND date IN ?", PeriodDay, name, dates).
		Group("dimension_value").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.K] = row.N
	}
	return out, nil
}

// rolledDays returns the scalar day count of metric per date.
func (r reader) rolledDays(ctx context.Context, metric string, dates []string) (map[string]int64, error) {
	out := make(map[string]int64)
	if len(dates) == 0 {
		return out, nil
	}
	db, err := r.aggregates(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Date  string
		Count int64 `gorm:"column:value_count"`
	}
	err = db.Select("date, value_count").
		Where("period = ? AND hour = -1 AND metric = ? AND dimension = '' AND date IN ?", PeriodDay, metric, dates).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Date] = row.Count
	}
	return out, nil
}

// rolledHours returns the hour rows of metric per date and local hour.
func (r reader) rolledHours(ctx context.Context, metric string, dates []string) (map[string]map[int]int64, error) {
	out := make(map[string]map[int]int64)
	if len(dates) == 0 {
		return out, nil
	}
	db, err := r.aggregates(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Date  string
		Hour  int
		Count int64 `gorm:"column:value_count"`
	}
	err = db.Select("date, hour, value_count").
		Where("period = ? AND metric = ? AND dimension = '' AND date IN ?", PeriodHour, metric, dates).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if out[row.Date] == nil {
			out[row.Date] = make(map[int]int64)
		}
		out[row.Date][row.Hour] += row.Count
	}
	return out, nil
}
