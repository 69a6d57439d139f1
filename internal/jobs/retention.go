package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"siteline/internal/analytics"
	"siteline/internal/models"
	"siteline/internal/scope"
	"siteline/internal/sites"
)

// RetentionOptions configure what the retention job keeps.
type RetentionOptions struct {
	RetentionDays         int
	AggregateBeforeDelete bool
	SafetyMargin          time.Duration
	BatchSize             int
	// BatchPause spaces delete batches so live writers get the lock.
	BatchPause time.Duration
	Now        func() time.Time
}

// RetentionJob deletes raw telemetry older than the retention period. Days
// about to be deleted are rolled up first when AggregateBeforeDelete is set,
// so reports over old ranges keep their totals.
type RetentionJob struct {
	db     *gorm.DB
	sites  *sites.Repository
	roller *analytics.Roller
	logger *slog.Logger
	opts   RetentionOptions
}

func NewRetentionJob(db *gorm.DB, repo *sites.Repository, roller *analytics.Roller, logger *slog.Logger, opts RetentionOptions) *RetentionJob {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RetentionJob{db: db, sites: repo, roller: roller, logger: logger, opts: opts}
}

func (j *RetentionJob) Name() string { return "retention" }

// purge lists the raw tables and the predicate selecting expired rows.
var purge = []struct {
	table string
	where string
}{
	{"page_views", "timestamp < ?"},
	{"events", "timestamp < ?"},
	{"sessions", "ended_at IS NOT NULL AND last_activity_at < ?"},
	{"consents", "expires_at IS NOT NULL AND expires_at < ?"},
}

func (j *RetentionJob) Run(ctx context.Context) error {
	if j.opts.RetentionDays <= 0 {
		return nil
	}
	all, err := j.sites.All(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i := range all {
		sctx := scope.WithScope(ctx, scope.New(all[i].Info()))
		if err := j.enforce(sctx); err != nil {
			errs = append(errs, fmt.Errorf("site %d: %w", all[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

// Cutoff is the start of the oldest local day the active site keeps. It never
// falls inside the safety margin.
func (j *RetentionJob) Cutoff(loc *time.Location) time.Time {
	now := j.opts.Now()
	cutoff := now.AddDate(0, 0, -j.opts.RetentionDays)
	if horizon := now.Add(-j.opts.SafetyMargin); horizon.Before(cutoff) {
		cutoff = horizon
	}
	return startOfDay(cutoff, loc)
}

func (j *RetentionJob) enforce(ctx context.Context) error {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return err
	}
	cutoff := j.Cutoff(sc.Site.Location())

	if j.opts.AggregateBeforeDelete {
		if err := j.rollupBefore(ctx, cutoff); err != nil {
			return err
		}
	}

	for _, p := range purge {
		n, err := j.deleteBatches(ctx, sc, p.table, p.where, cutoff)
		if err != nil {
			return fmt.Errorf("purge %s: %w", p.table, err)
		}
		if n > 0 {
			j.logger.Info("Deleted expired rows",
				slog.Uint64("site_id", uint64(sc.SiteID())),
				slog.String("table", p.table),
				slog.Int64("deleted_count", n),
				slog.Time("cutoff", cutoff))
		}
	}
	return nil
}

// rollupBefore rolls up any day before cutoff that has no rollups yet.
func (j *RetentionJob) rollupBefore(ctx context.Context, cutoff time.Time) error {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return err
	}
	day, ok, err := firstActivityDay(ctx, j.db, sc.Site.Location())
	if err != nil || !ok {
		return err
	}
	for ; day.Before(cutoff); day = day.AddDate(0, 0, 1) {
		rolled, err := j.roller.RolledUp(ctx, day)
		if err != nil {
			return err
		}
		if rolled {
			continue
		}
		if _, err := j.roller.RollupDay(ctx, day); err != nil {
			return err
		}
	}
	return nil
}

// deleteBatches removes matching rows of the active site in bounded batches.
func (j *RetentionJob) deleteBatches(ctx context.Context, sc scope.Scope, table, where string, cutoff time.Time) (int64, error) {
	filter, args := sc.Filter()
	stmt := "DELETE FROM " + table + " WHERE id IN (SELECT id FROM " + table +
		" WHERE " + filter + " AND " + where + " LIMIT ?)"
	args = append(args, cutoff.UTC(), j.opts.BatchSize)

	var total int64
	for {
		var affected int64
		err := models.PerformWrite(j.logger, j.db.WithContext(ctx), func(tx *gorm.DB) error {
			result := tx.Exec(stmt, args...)
			affected = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return total, err
		}
		total += affected
		if affected < int64(j.opts.BatchSize) {
			return total, nil
		}
		if j.opts.BatchPause > 0 {
			select {
			case <-time.After(j.opts.BatchPause):
			case <-ctx.Done():
				return total, ctx.Err()
			}
		}
	}
}
