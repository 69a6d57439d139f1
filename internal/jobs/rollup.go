package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"siteline/internal/analytics"
	"siteline/internal/scope"
	"siteline/internal/sessions"
	"siteline/internal/sites"
)

// RollupJob precomputes aggregates for every finished local day of every
// site. A day is finished once its end is older than the safety margin, so
// live ingestion never writes into a day being rolled up.
type RollupJob struct {
	db     *gorm.DB
	sites  *sites.Repository
	roller *analytics.Roller
	logger *slog.Logger
	margin time.Duration
	now    func() time.Time
}

func NewRollupJob(db *gorm.DB, repo *sites.Repository, roller *analytics.Roller, logger *slog.Logger, margin time.Duration, now func() time.Time) *RollupJob {
	if now == nil {
		now = time.Now
	}
	return &RollupJob{db: db, sites: repo, roller: roller, logger: logger, margin: margin, now: now}
}

func (j *RollupJob) Name() string { return "rollup" }

func (j *RollupJob) Run(ctx context.Context) error {
	all, err := j.sites.All(ctx)
	if err != nil {
		return err
	}
	horizon := j.now().Add(-j.margin)
	var errs []error
	for i := range all {
		sctx := scope.WithScope(ctx, scope.New(all[i].Info()))
		n, err := j.rollupSite(sctx, horizon)
		if err != nil {
			errs = append(errs, fmt.Errorf("site %d: %w", all[i].ID, err))
			continue
		}
		if n > 0 {
			j.logger.Info("Rolled up days", slog.Uint64("site_id", uint64(all[i].ID)), slog.Int("days", n))
		}
	}
	return errors.Join(errs...)
}

// rollupSite rolls every finished day after the last rolled one.
func (j *RollupJob) rollupSite(ctx context.Context, horizon time.Time) (int, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	loc := sc.Site.Location()

	first, ok, err := firstActivityDay(ctx, j.db, loc)
	if err != nil || !ok {
		return 0, err
	}
	last, rolled, err := j.roller.LastRolledDay(ctx)
	if err != nil {
		return 0, err
	}
	if rolled {
		first = last.AddDate(0, 0, 1)
	}

	n := 0
	for day := first; !day.AddDate(0, 0, 1).After(horizon); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := j.roller.RollupDay(ctx, day); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// firstActivityDay is the local day of the earliest session of the active site.
func firstActivityDay(ctx context.Context, db *gorm.DB, loc *time.Location) (time.Time, bool, error) {
	scoped, err := scope.DB(ctx, db)
	if err != nil {
		return time.Time{}, false, err
	}
	var first sessions.Session
	err = scoped.Select("started_at").Order("started_at").Take(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("find first session: %w", err)
	}
	return startOfDay(first.StartedAt, loc), true, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
