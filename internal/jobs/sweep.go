package jobs

import (
	"context"
	"log/slog"
	"time"

	"siteline/internal/scope"
	"siteline/internal/sessions"
)

const sweepBatchSize = 500

// SessionSweepJob ends open sessions that went idle past the session timeout,
// across every site.
type SessionSweepJob struct {
	sessions *sessions.Manager
	logger   *slog.Logger
	now      func() time.Time
}

func NewSessionSweepJob(m *sessions.Manager, logger *slog.Logger, now func() time.Time) *SessionSweepJob {
	if now == nil {
		now = time.Now
	}
	return &SessionSweepJob{sessions: m, logger: logger, now: now}
}

func (j *SessionSweepJob) Name() string { return "session_sweep" }

func (j *SessionSweepJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.sessions.Timeout())
	total := 0
	err := scope.WithoutScope(ctx, func(ctx context.Context) error {
		for {
			n, err := j.sessions.SweepInactive(ctx, cutoff, sweepBatchSize)
			if err != nil {
				return err
			}
			total += n
			if n < sweepBatchSize {
				return nil
			}
		}
	})
	if err != nil {
		return err
	}
	if total > 0 {
		j.logger.Info("Ended inactive sessions", slog.Int("count", total), slog.Time("cutoff", cutoff))
	}
	return nil
}
