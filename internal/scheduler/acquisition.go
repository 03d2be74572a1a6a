package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/metrics"
	"github.com/procflow/jobexec/internal/repository"
)

// Acquirer polls the executable table and leases due jobs to this node.
// Any number of acquirers on any number of nodes may share one store;
// the store's compare-and-set discipline guarantees no job is leased
// twice while a lease is live.
type Acquirer struct {
	owner        string
	store        repository.JobStore
	executor     *Executor
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	maxBatch     int
	lease        time.Duration
	sem          chan struct{}
}

func NewAcquirer(
	owner string,
	store repository.JobStore,
	executor *Executor,
	clk clock.Clock,
	logger *slog.Logger,
	pollInterval time.Duration,
	maxBatch int,
	lease time.Duration,
	concurrency int,
) *Acquirer {
	return &Acquirer{
		owner:        owner,
		store:        store,
		executor:     executor,
		clock:        clk,
		logger:       logger.With("component", "acquirer", "owner", owner),
		pollInterval: pollInterval,
		maxBatch:     maxBatch,
		lease:        lease,
		sem:          make(chan struct{}, concurrency),
	}
}

// AcquireJobs leases up to maxBatch due, unlocked executable jobs for
// leaseDuration. The batch is ordered oldest due date first.
func (a *Acquirer) AcquireJobs(ctx context.Context, maxBatch int, leaseDuration time.Duration) ([]*domain.Job, error) {
	if maxBatch < 1 {
		return nil, fmt.Errorf("%w: maxBatch must be >= 1, got %d", domain.ErrInvalidArgument, maxBatch)
	}
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("%w: leaseDuration must be positive, got %s", domain.ErrInvalidArgument, leaseDuration)
	}

	start := time.Now()
	now := a.clock.Now()
	jobs, err := a.store.AcquireDue(ctx, a.owner, maxBatch, now, now.Add(leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("acquire jobs: %w", err)
	}

	metrics.AcquisitionCycleDuration.Observe(time.Since(start).Seconds())
	metrics.JobsAcquiredTotal.Add(float64(len(jobs)))
	return jobs, nil
}

// Run polls the store until ctx is cancelled. A single job's failure
// never stops the loop.
func (a *Acquirer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	a.logger.Info("acquirer started", "poll_interval", a.pollInterval, "lease", a.lease, "concurrency", cap(a.sem))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("acquirer shut down")
			return
		case <-ticker.C:
			a.processBatch(ctx)
		}
	}
}

func (a *Acquirer) processBatch(ctx context.Context) {
	available := cap(a.sem) - len(a.sem)
	if available == 0 {
		return
	}
	if available > a.maxBatch {
		available = a.maxBatch
	}

	jobs, err := a.AcquireJobs(ctx, available, a.lease)
	if err != nil {
		a.logger.Error("acquire jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	a.logger.Info("acquired jobs", "count", len(jobs), "slots_used", len(a.sem)+len(jobs), "slots_total", cap(a.sem))

	for _, job := range jobs {
		a.sem <- struct{}{}
		go func(j *domain.Job) {
			metrics.JobsInFlight.Inc()
			defer metrics.JobsInFlight.Dec()
			defer func() { <-a.sem }()
			a.runJob(ctx, j)
		}(job)
	}
}

func (a *Acquirer) runJob(ctx context.Context, job *domain.Job) {
	err := a.executor.Execute(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobNotFound):
		// Another node deleted or cancelled the job after we leased it.
		a.logger.Debug("job vanished before execution", "job_id", job.ID)
	default:
		// The retry evaluator has already recorded the failure; the loop
		// just keeps going.
		a.logger.Warn("job execution failed", "job_id", job.ID, "error", err)
	}
}
