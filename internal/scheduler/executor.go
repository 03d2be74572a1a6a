package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/event"
	"github.com/procflow/jobexec/internal/metrics"
	"github.com/procflow/jobexec/internal/repeat"
	"github.com/procflow/jobexec/internal/repository"
)

// ResumeExecution is the opaque callback into the process-execution
// core. The scheduler does not interpret its internals; it only observes
// success or failure. Resume points must tolerate re-execution, since a
// lapsed lease lets another node re-attempt the same job.
type ResumeExecution func(ctx context.Context, executionID string) error

// Executor runs one acquired job: resume the execution point, then
// either delete the record (success) or hand it to the retry evaluator
// (failure).
type Executor struct {
	store  repository.JobStore
	retry  *RetryHandler
	events *event.Dispatcher
	clock  clock.Clock
	resume ResumeExecution
	logger *slog.Logger
}

func NewExecutor(
	store repository.JobStore,
	retry *RetryHandler,
	events *event.Dispatcher,
	clk clock.Clock,
	resume ResumeExecution,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		store:  store,
		retry:  retry,
		events: events,
		clock:  clk,
		resume: resume,
		logger: logger.With("component", "executor"),
	}
}

// Execute runs an already-acquired job. Returns domain.ErrJobNotFound
// when the record was concurrently deleted (a legitimate race, not a
// failure), or an ExecutionFailureError after the retry evaluator has
// recorded a failed attempt.
func (e *Executor) Execute(ctx context.Context, job *domain.Job) error {
	current, err := e.store.FindByID(ctx, domain.StateExecutable, job.ID)
	if err != nil {
		return err
	}

	if current.Exclusive {
		// No sibling job of the same process instance may run while an
		// exclusive job executes. Released unconditionally.
		release, err := e.store.LockInstance(ctx, current.ProcessInstanceID)
		if err != nil {
			return fmt.Errorf("lock process instance %s: %w", current.ProcessInstanceID, err)
		}
		defer release()

		if current.LockExpiration != nil {
			_ = e.store.SetInstanceLockHint(ctx, current.ProcessInstanceID, *current.LockExpiration)
		}
		defer func() { _ = e.store.ClearInstanceLockHint(ctx, current.ProcessInstanceID) }()
	}

	start := time.Now()
	failure, callbackErr := e.runResume(ctx, current)

	if callbackErr != nil {
		metrics.JobExecutionDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		metrics.JobsExecutedTotal.WithLabelValues("failure").Inc()

		if err := e.retry.OnFailure(ctx, current, failure); err != nil {
			e.logger.Error("retry bookkeeping failed", "job_id", current.ID, "error", err)
		}
		e.events.Dispatch(ctx, event.Event{
			Type: event.JobExecutionFailure, JobID: current.ID, Job: current, OccurredAt: e.clock.Now(),
		})
		return &domain.ExecutionFailureError{JobID: current.ID, Cause: callbackErr}
	}

	metrics.JobExecutionDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	metrics.JobsExecutedTotal.WithLabelValues("success").Inc()

	return e.complete(ctx, current)
}

// runResume invokes the resume callback, converting panics into ordinary
// failures so that one job cannot take the whole node down.
func (e *Executor) runResume(ctx context.Context, job *domain.Job) (failure domain.Failure, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resume panicked: %v", r)
			failure = domain.Failure{Message: err.Error(), Stacktrace: string(debug.Stack())}
		}
	}()

	if err = e.resume(ctx, job.ExecutionID); err != nil {
		failure = domain.FailureFromError(err)
	}
	return failure, err
}

// complete deletes the finished record and, for repeating timers with
// occurrences left, inserts the next occurrence as a fresh timer job.
func (e *Executor) complete(ctx context.Context, job *domain.Job) error {
	if err := e.store.Delete(ctx, domain.StateExecutable, job.ID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		return fmt.Errorf("delete completed job %s: %w", job.ID, err)
	}
	e.events.Dispatch(ctx, event.Event{
		Type: event.EntityDeleted, JobID: job.ID, Job: job, OccurredAt: e.clock.Now(),
	})

	e.logger.Info("job completed", "job_id", job.ID, "kind", job.Kind)

	if job.RepeatExpression == "" {
		return nil
	}
	return e.spawnNextOccurrence(ctx, job)
}

func (e *Executor) spawnNextOccurrence(ctx context.Context, job *domain.Job) error {
	cycle, err := repeat.Parse(job.RepeatExpression)
	if err != nil {
		// The expression fired at least once, so it parsed at creation
		// time; only manual edits can get here.
		e.logger.Error("repeat expression no longer parses", "job_id", job.ID, "expression", job.RepeatExpression, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrRetryPolicyMalformed, err)
	}
	if !cycle.HasNext() {
		return nil
	}

	now := e.clock.Now()
	due := cycle.Next(now)
	next := &domain.Job{
		ID:                  uuid.NewString(),
		Kind:                job.Kind,
		DueDate:             &due,
		Retries:             job.Retries,
		ExecutionID:         job.ExecutionID,
		ProcessInstanceID:   job.ProcessInstanceID,
		ProcessDefinitionID: job.ProcessDefinitionID,
		RepeatExpression:    cycle.NextExpression(),
		Exclusive:           job.Exclusive,
		TenantID:            job.TenantID,
		CreatedAt:           now,
	}

	if err := e.store.Insert(ctx, domain.StateTimer, next); err != nil {
		return fmt.Errorf("insert next occurrence of %s: %w", job.ID, err)
	}
	e.events.Dispatch(ctx, event.Event{
		Type: event.EntityCreated, JobID: next.ID, Job: next, OccurredAt: now,
	})

	e.logger.Info("spawned next timer occurrence", "job_id", job.ID, "next_job_id", next.ID, "due", due)
	return nil
}
