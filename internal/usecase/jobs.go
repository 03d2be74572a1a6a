package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/event"
	"github.com/procflow/jobexec/internal/repeat"
	"github.com/procflow/jobexec/internal/repository"
	"github.com/procflow/jobexec/internal/scheduler"
)

// manualLease bounds how long an execute-now invocation may hold a job.
const manualLease = 5 * time.Minute

// JobCommands implements the operator-facing state transitions. Every
// command validates that the source record still exists and surfaces
// typed errors; mutations go through the store's atomic moves so the
// one-table-at-a-time invariant holds.
type JobCommands struct {
	store    repository.JobStore
	events   *event.Dispatcher
	clock    clock.Clock
	executor *scheduler.Executor
	logger   *slog.Logger
}

func NewJobCommands(
	store repository.JobStore,
	events *event.Dispatcher,
	clk clock.Clock,
	executor *scheduler.Executor,
	logger *slog.Logger,
) *JobCommands {
	return &JobCommands{
		store:    store,
		events:   events,
		clock:    clk,
		executor: executor,
		logger:   logger.With("component", "job_commands"),
	}
}

// Create persists a new job in the timer table (future due date) or the
// executable table. Entry point for timer-producing elements and
// asynchronous continuations.
func (c *JobCommands) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.ExecutionID == "" {
		return nil, fmt.Errorf("%w: execution id is required", domain.ErrInvalidArgument)
	}
	if job.RepeatExpression != "" {
		if _, err := repeat.Parse(job.RepeatExpression); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRetryPolicyMalformed, err)
		}
	}

	now := c.clock.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Kind == "" {
		job.Kind = domain.KindAsync
	}
	if job.Retries < 1 {
		job.Retries = 3
	}
	job.CreatedAt = now

	state := domain.StateExecutable
	if job.DueDate != nil && job.DueDate.After(now) {
		state = domain.StateTimer
	}

	if err := c.store.Insert(ctx, state, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	c.events.Dispatch(ctx, event.Event{Type: event.EntityCreated, JobID: job.ID, Job: job, OccurredAt: now})
	return job, nil
}

// Get returns the job and the table currently holding it.
func (c *JobCommands) Get(ctx context.Context, id string) (*domain.Job, domain.State, error) {
	if id == "" {
		return nil, "", fmt.Errorf("%w: job id is required", domain.ErrInvalidArgument)
	}
	return c.store.Locate(ctx, id)
}

// List returns jobs from one table, optionally filtered by tenant.
func (c *JobCommands) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	if input.Limit < 1 || input.Limit > 500 {
		input.Limit = 100
	}
	return c.store.List(ctx, input)
}

// JobsForProcessInstance returns the instance's jobs in one table, the
// view an operator needs before suspending or migrating an instance.
func (c *JobCommands) JobsForProcessInstance(ctx context.Context, processInstanceID string, state domain.State) ([]*domain.Job, error) {
	if processInstanceID == "" {
		return nil, fmt.Errorf("%w: process instance id is required", domain.ErrInvalidArgument)
	}
	return c.store.FindByProcessInstance(ctx, state, processInstanceID)
}

// Cancel deletes the job from whichever table holds it. A job under an
// unexpired lease refuses cancellation: it is being executed right now.
func (c *JobCommands) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrInvalidArgument)
	}

	job, state, err := c.store.Locate(ctx, id)
	if err != nil {
		return err
	}
	if job.Locked(c.clock.Now()) {
		return domain.ErrJobBeingExecuted
	}

	// Event first: cancellation listeners must see the job before it is
	// gone. Deletion failure still surfaces.
	c.events.Dispatch(ctx, event.Event{Type: event.JobCanceled, JobID: job.ID, Job: job, OccurredAt: c.clock.Now()})

	if err := c.store.Delete(ctx, state, id); err != nil {
		return err
	}
	c.clearHint(ctx, job)
	c.logger.Info("job canceled", "job_id", id, "state", state)
	return nil
}

// DeleteTimerJob removes a timer job. Fails with ErrJobBeingExecuted
// when the job is currently leased.
func (c *JobCommands) DeleteTimerJob(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrInvalidArgument)
	}

	job, err := c.store.FindByID(ctx, domain.StateTimer, id)
	if err != nil {
		return err
	}
	if job.Locked(c.clock.Now()) {
		return domain.ErrJobBeingExecuted
	}

	if err := c.store.Delete(ctx, domain.StateTimer, id); err != nil {
		return err
	}
	c.clearHint(ctx, job)
	c.events.Dispatch(ctx, event.Event{Type: event.EntityDeleted, JobID: job.ID, Job: job, OccurredAt: c.clock.Now()})
	return nil
}

// MoveTimerToExecutable makes a timer job immediately acquirable.
func (c *JobCommands) MoveTimerToExecutable(ctx context.Context, id string) error {
	job, err := c.store.FindByID(ctx, domain.StateTimer, id)
	if err != nil {
		return err
	}
	if err := c.store.Move(ctx, domain.StateTimer, domain.StateExecutable, job); err != nil {
		return err
	}
	c.clearHint(ctx, job)
	c.dispatchUpdated(ctx, job)
	return nil
}

// MoveExecutableToTimer parks an executable job until due.
func (c *JobCommands) MoveExecutableToTimer(ctx context.Context, id string, due time.Time) error {
	job, err := c.store.FindByID(ctx, domain.StateExecutable, id)
	if err != nil {
		return err
	}
	job.DueDate = &due
	job.ClearLock()
	if err := c.store.Move(ctx, domain.StateExecutable, domain.StateTimer, job); err != nil {
		return err
	}
	c.clearHint(ctx, job)
	c.dispatchUpdated(ctx, job)
	return nil
}

// MoveToDeadLetter parks an active job for manual intervention.
func (c *JobCommands) MoveToDeadLetter(ctx context.Context, id string) error {
	job, state, err := c.store.Locate(ctx, id)
	if err != nil {
		return err
	}
	if state != domain.StateTimer && state != domain.StateExecutable {
		return fmt.Errorf("%w: job %s is %s, not active", domain.ErrInvalidArgument, id, state)
	}

	job.Retries = 0
	job.ClearLock()
	if err := c.store.Move(ctx, state, domain.StateDeadLetter, job); err != nil {
		return err
	}
	c.clearHint(ctx, job)
	c.dispatchUpdated(ctx, job)
	c.logger.Info("job moved to dead letter", "job_id", id, "from", state)
	return nil
}

// ResurrectDeadLetter gives a dead-lettered job a fresh retry budget and
// makes it immediately acquirable. Stored failure evidence is kept for
// the audit trail until the job next succeeds.
func (c *JobCommands) ResurrectDeadLetter(ctx context.Context, id string, retries int) error {
	if retries < 1 {
		return fmt.Errorf("%w: retries must be >= 1, got %d", domain.ErrInvalidArgument, retries)
	}

	job, err := c.store.FindByID(ctx, domain.StateDeadLetter, id)
	if err != nil {
		return err
	}
	job.Retries = retries
	job.RetriesInitialized = true
	job.DueDate = nil
	job.ClearLock()

	if err := c.store.Move(ctx, domain.StateDeadLetter, domain.StateExecutable, job); err != nil {
		return err
	}
	c.dispatchUpdated(ctx, job)
	c.logger.Info("dead-letter job resurrected", "job_id", id, "retries", retries)
	return nil
}

// SuspendJob moves one active job into the suspended table.
func (c *JobCommands) SuspendJob(ctx context.Context, id string) error {
	job, state, err := c.store.Locate(ctx, id)
	if err != nil {
		return err
	}
	if state != domain.StateTimer && state != domain.StateExecutable {
		return fmt.Errorf("%w: job %s is %s, not active", domain.ErrInvalidArgument, id, state)
	}
	if err := c.store.Move(ctx, state, domain.StateSuspended, job); err != nil {
		return err
	}
	c.clearHint(ctx, job)
	c.dispatchUpdated(ctx, job)
	return nil
}

// ActivateJob restores a suspended job to timer or executable, decided
// by whether its due date is still in the future.
func (c *JobCommands) ActivateJob(ctx context.Context, id string) error {
	job, err := c.store.FindByID(ctx, domain.StateSuspended, id)
	if err != nil {
		return err
	}

	target := domain.StateExecutable
	if job.DueDate != nil && job.DueDate.After(c.clock.Now()) {
		target = domain.StateTimer
	}
	if err := c.store.Move(ctx, domain.StateSuspended, target, job); err != nil {
		return err
	}
	c.dispatchUpdated(ctx, job)
	return nil
}

// ExceptionStacktrace returns the stored stacktrace of a failed job.
func (c *JobCommands) ExceptionStacktrace(ctx context.Context, id string, state domain.State) (string, error) {
	job, err := c.store.FindByID(ctx, state, id)
	if err != nil {
		return "", err
	}
	if job.ExceptionStacktrace == nil {
		return "", nil
	}
	return *job.ExceptionStacktrace, nil
}

// ExecuteNow leases and runs one specific job immediately, bypassing the
// poll loop. Timer jobs are promoted first.
func (c *JobCommands) ExecuteNow(ctx context.Context, id string) error {
	job, state, err := c.store.Locate(ctx, id)
	if err != nil {
		return err
	}

	now := c.clock.Now()
	if job.Locked(now) {
		return domain.ErrJobBeingExecuted
	}

	switch state {
	case domain.StateTimer:
		if err := c.store.Move(ctx, domain.StateTimer, domain.StateExecutable, job); err != nil {
			return err
		}
	case domain.StateExecutable:
	default:
		return fmt.Errorf("%w: job %s is %s, not active", domain.ErrInvalidArgument, id, state)
	}

	owner := "manual-" + uuid.NewString()
	until := now.Add(manualLease)
	job.LockOwner = &owner
	job.LockExpiration = &until
	if err := c.store.Update(ctx, domain.StateExecutable, job); err != nil {
		return err
	}

	err = c.executor.Execute(ctx, job)
	if err != nil && errors.Is(err, domain.ErrJobNotFound) {
		return err
	}
	return err
}

func (c *JobCommands) dispatchUpdated(ctx context.Context, job *domain.Job) {
	c.events.Dispatch(ctx, event.Event{Type: event.EntityUpdated, JobID: job.ID, Job: job, OccurredAt: c.clock.Now()})
}

// clearHint drops the instance lock-time hint when the touched job was
// exclusive. Safe to call when no hint is held.
func (c *JobCommands) clearHint(ctx context.Context, job *domain.Job) {
	if !job.Exclusive {
		return
	}
	if err := c.store.ClearInstanceLockHint(ctx, job.ProcessInstanceID); err != nil {
		c.logger.Warn("clear instance lock hint", "process_instance_id", job.ProcessInstanceID, "error", err)
	}
}
