// Package jobs runs the periodic maintenance work: ending idle sessions,
// rolling up finished days and enforcing raw data retention.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"siteline/internal/metrics"
)

// Job is one unit of background work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type scheduled struct {
	job      Job
	interval time.Duration
}

// Scheduler is responsible for running background jobs. At most one job
// executes at a time; a tick that finds another job running is skipped.
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	jobs      []scheduled
	isRunning bool
	wg        sync.WaitGroup

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job to run every interval once the scheduler starts.
func (s *Scheduler) Add(job Job, interval time.Duration) {
	s.jobs = append(s.jobs, scheduled{job: job, interval: interval})
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(job Job) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", job.Name()))
		s.processingMutex.Unlock()
		metrics.JobRuns.WithLabelValues(job.Name(), "skipped").Inc()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", job.Name()),
				slog.Any("panic", r))
			metrics.JobRuns.WithLabelValues(job.Name(), "panic").Inc()
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", job.Name()), slog.Any("error", err))
		metrics.JobRuns.WithLabelValues(job.Name(), "error").Inc()
		return
	}
	metrics.JobRuns.WithLabelValues(job.Name(), "success").Inc()
}

// Start begins all background jobs. Each job runs once immediately and then
// on its own ticker.
func (s *Scheduler) Start() error {
	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler was stopped")
	}

	s.logger.Info("Starting background jobs...", slog.Int("jobs", len(s.jobs)))
	s.isRunning = true
	for _, sj := range s.jobs {
		s.wg.Add(1)
		go s.loop(sj)
	}
	return nil
}

func (s *Scheduler) loop(sj scheduled) {
	defer s.wg.Done()
	s.logger.Info("Starting job", slog.String("job", sj.job.Name()), slog.Duration("interval", sj.interval))
	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	s.executeJobSafely(sj.job)
	for {
		select {
		case <-ticker.C:
			s.executeJobSafely(sj.job)
		case <-s.ctx.Done():
			s.logger.Info("Job stopped", slog.String("job", sj.job.Name()))
			return
		}
	}
}

// Stop halts all background jobs and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.cancel()
	s.wg.Wait()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, sj := range s.jobs {
		if sj.job.Name() == name {
			return sj.job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}
