package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/event"
	"github.com/procflow/jobexec/internal/metrics"
	"github.com/procflow/jobexec/internal/repeat"
	"github.com/procflow/jobexec/internal/repository"
)

// RetryHandler decides what happens to a failed job: back to the timer
// table for another attempt, or into the dead-letter table once the
// budget is exhausted.
type RetryHandler struct {
	store  repository.JobStore
	events *event.Dispatcher
	clock  clock.Clock
	logger *slog.Logger

	// retryWait delays the next attempt of a plain failed job;
	// messageRetryWait is the distinct, typically longer wait applied to
	// message-triggered jobs.
	retryWait        time.Duration
	messageRetryWait time.Duration
}

func NewRetryHandler(
	store repository.JobStore,
	events *event.Dispatcher,
	clk clock.Clock,
	logger *slog.Logger,
	retryWait, messageRetryWait time.Duration,
) *RetryHandler {
	return &RetryHandler{
		store:            store,
		events:           events,
		clock:            clk,
		logger:           logger.With("component", "retry"),
		retryWait:        retryWait,
		messageRetryWait: messageRetryWait,
	}
}

// OnFailure records the failed attempt and moves the job to its next
// state. The bookkeeping is detached from the attempt's context so it
// survives even when the attempt itself is being rolled back or
// cancelled.
func (h *RetryHandler) OnFailure(ctx context.Context, job *domain.Job, failure domain.Failure) error {
	ctx = context.WithoutCancel(ctx)

	job.RecordFailure(failure)
	job.ClearLock()

	if job.RepeatExpression != "" {
		return h.handleWithExpression(ctx, job)
	}
	return h.handlePlain(ctx, job)
}

func (h *RetryHandler) handlePlain(ctx context.Context, job *domain.Job) error {
	job.Retries--
	if job.Retries <= 0 {
		return h.deadLetter(ctx, job)
	}

	wait := h.retryWait
	if job.Kind == domain.KindMessage {
		wait = h.messageRetryWait
	}
	due := h.clock.Now().Add(wait)
	return h.reschedule(ctx, job, due)
}

func (h *RetryHandler) handleWithExpression(ctx context.Context, job *domain.Job) error {
	cycle, err := repeat.Parse(job.RepeatExpression)
	if err != nil {
		// A malformed expression is a configuration error for this job:
		// record it, park the job, and surface immediately.
		job.RecordFailure(domain.Failure{
			Message: fmt.Sprintf("repeat expression %q: %v", job.RepeatExpression, err),
		})
		if dlErr := h.deadLetter(ctx, job); dlErr != nil {
			return dlErr
		}
		return fmt.Errorf("%w: %v", domain.ErrRetryPolicyMalformed, err)
	}

	// An unbounded cycle carries no budget of its own; only the wait
	// interval comes from the expression.
	if cycle.Repetitions > 0 && !job.RetriesInitialized {
		job.Retries = cycle.Repetitions
		job.RetriesInitialized = true
	} else {
		job.Retries--
	}

	if cycle.Repetitions > 0 && job.Retries <= 0 {
		return h.deadLetter(ctx, job)
	}

	// Backoff shifts forward from the moment of failure, not from the
	// original due date.
	due := cycle.Next(h.clock.Now())
	return h.reschedule(ctx, job, due)
}

func (h *RetryHandler) reschedule(ctx context.Context, job *domain.Job, due time.Time) error {
	job.DueDate = &due
	if err := h.store.Move(ctx, domain.StateExecutable, domain.StateTimer, job); err != nil {
		return fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}

	metrics.RetriesScheduledTotal.Inc()
	h.dispatchTransition(ctx, job)
	h.logger.Warn("job failed, will retry", "job_id", job.ID, "retries_left", job.Retries, "due", due)
	return nil
}

func (h *RetryHandler) deadLetter(ctx context.Context, job *domain.Job) error {
	job.Retries = 0
	if err := h.store.Move(ctx, domain.StateExecutable, domain.StateDeadLetter, job); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}

	metrics.JobsDeadLetteredTotal.Inc()
	h.dispatchTransition(ctx, job)
	h.logger.Warn("job permanently failed", "job_id", job.ID, "error", deref(job.ExceptionMessage))
	return nil
}

func (h *RetryHandler) dispatchTransition(ctx context.Context, job *domain.Job) {
	now := h.clock.Now()
	h.events.Dispatch(ctx, event.Event{Type: event.EntityUpdated, JobID: job.ID, Job: job, OccurredAt: now})
	h.events.Dispatch(ctx, event.Event{Type: event.JobRetriesDecremented, JobID: job.ID, Job: job, OccurredAt: now})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
