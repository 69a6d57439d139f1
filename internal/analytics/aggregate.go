package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"siteline/internal/models"
	"siteline/internal/scope"
)

// Rollup periods.
const (
	PeriodDay  = "day"
	PeriodHour = "hour"
)

const dateLayout = "2006-01-02"

// Aggregate is one precomputed rollup row. Date is the local calendar day of
// the site; Hour is the local hour for hour rows and -1 for day rows. Scalar
// rows leave Dimension empty.
type Aggregate struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SiteID         uint      `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:1" json:"site_id"`
	TenantID       string    `gorm:"not null;default:'';index" json:"tenant_id,omitempty"`
	Date           string    `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:2" json:"date"`
	Period         string    `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:3" json:"period"`
	Hour           int       `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:4" json:"hour"`
	Metric         string    `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:5" json:"metric"`
	Dimension      string    `gorm:"not null;default:'';uniqueIndex:idx_aggregate_key,priority:6" json:"dimension"`
	DimensionValue string    `gorm:"not null;default:'';uniqueIndex:idx_aggregate_key,priority:7" json:"dimension_value"`
	Count          int64     `gorm:"column:value_count;not null;default:0" json:"count"`
	Sum            float64   `gorm:"column:value_sum;not null;default:0" json:"sum"`
	Min            float64   `gorm:"column:value_min;not null;default:0" json:"min"`
	Max            float64   `gorm:"column:value_max;not null;default:0" json:"max"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (a *Aggregate) OwnerSiteID() uint     { return a.SiteID }
func (a *Aggregate) OwnerTenantID() string { return a.TenantID }

// Avg is Sum over Count, zero for empty rows.
func (a *Aggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

var aggregateKey = []clause.Column{
	{Name: "site_id"}, {Name: "date"}, {Name: "period"}, {Name: "hour"},
	{Name: "metric"}, {Name: "dimension"}, {Name: "dimension_value"},
}

// Roller computes rollups from raw rows.
type Roller struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRoller(db *gorm.DB, logger *slog.Logger) *Roller {
	return &Roller{db: db, logger: logger}
}

// RollupDay recomputes every aggregate of one local day of the active site.
// The calendar date of day is read as is and placed in the site timezone.
// Existing rows for the same key are overwritten. It returns the number of
// rows written.
func (r *Roller) RollupDay(ctx context.Context, day time.Time) (int, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	loc := sc.Site.Location()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	date := start.Format(dateLayout)
	q := reader{db: r.db, sc: sc}

	var rows []Aggregate
	row := func(period string, hour int, metric, dimension, value string, t tally) {
		rows = append(rows, Aggregate{
			SiteID:         sc.SiteID(),
			TenantID:       sc.TenantID(),
			Date:           date,
			Period:         period,
			Hour:           hour,
			Metric:         metric,
			Dimension:      dimension,
			DimensionValue: value,
			Count:          t.Count,
			Sum:            t.Sum,
			Min:            t.Min,
			Max:            t.Max,
		})
	}

	for _, metric := range rolledMetrics {
		t, err := q.tally(ctx, measures[metric], Filters{}, start, end)
		if err != nil {
			return 0, fmt.Errorf("rollup %s %s: %w", metric, date, err)
		}
		row(PeriodDay, -1, metric, "", "", t)
	}

	for _, metric := range hourlyMetrics {
		slots, err := q.slots(ctx, measures[metric], Filters{}, start, end)
		if err != nil {
			return 0, fmt.Errorf("rollup hourly %s %s: %w", metric, date, err)
		}
		hours := make(map[int]int64)
		for slot, n := range slots {
			hours[time.Unix(slot, 0).In(loc).Hour()] += int64(n)
		}
		for hour, n := range hours {
			row(PeriodHour, hour, metric, "", "", tally{Count: n})
		}
	}

	for _, name := range dimensionNames {
		d := dimensions[name]
		groups, err := q.groups(ctx, d, Filters{}, start, end)
		if err != nil {
			return 0, fmt.Errorf("rollup %s %s: %w", name, date, err)
		}
		for value, n := range groups {
			row(PeriodDay, -1, d.measure, name, value, tally{Count: n})
		}
	}

	now := time.Now().UTC()
	for i := range rows {
		rows[i].UpdatedAt = now
	}
	err = models.PerformWrite(r.logger, r.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   aggregateKey,
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "value_count", "value_sum", "value_min", "value_max", "updated_at"}),
		}).CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return 0, fmt.Errorf("store rollups for %s: %w", date, err)
	}
	r.logger.Debug("Rolled up day",
		slog.Uint64("site_id", uint64(sc.SiteID())),
		slog.String("date", date),
		slog.Int("rows", len(rows)))
	return len(rows), nil
}

// RolledUp reports whether day already has rollups for the active site.
func (r *Roller) RolledUp(ctx context.Context, day time.Time) (bool, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return false, err
	}
	covered, err := reader{db: r.db, sc: sc}.covered(ctx, []string{day.Format(dateLayout)})
	if err != nil {
		return false, err
	}
	return len(covered) > 0, nil
}

// LastRolledDay returns the latest local day of the active site that has
// rollups. ok is false when nothing was rolled up yet.
func (r *Roller) LastRolledDay(ctx context.Context) (day time.Time, ok bool, err error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	db, err := reader{db: r.db, sc: sc}.aggregates(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	var dates []string
	err = db.Where("period = ? AND hour = -1 AND metric = ? AND dimension = ''", PeriodDay, MetricPageViews).
		Order("date DESC").Limit(1).Pluck("date", &dates).Error
	if err != nil {
		return time.Time{}, false, fmt.Errorf("find last rollup: %w", err)
	}
	if len(dates) == 0 {
		return time.Time{}, false, nil
	}
	day, err = time.ParseInLocation(dateLayout, dates[0], sc.Site.Location())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse rollup date %q: %w", dates[0], err)
	}
	return day, true, nil
}
