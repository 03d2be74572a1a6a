package repository

import (
	"context"
	"time"

	"github.com/procflow/jobexec/internal/domain"
)

type ListJobsInput struct {
	State    domain.State
	TenantID string // empty = all tenants
	Limit    int
}

// JobStore is the entity-manager style boundary to the shared job
// tables. The scheduler and the operator commands depend on this
// interface, not on a concrete store, so tests run against the in-memory
// implementation and production runs against Postgres.
//
// Every mutation that moves a record between tables is atomic: a job id
// exists in exactly one table at any committed point in time.
type JobStore interface {
	// AcquireDue selects up to limit due, unlocked (or lease-expired)
	// jobs from the executable table ordered by due date ascending, and
	// stamps each with owner and leaseUntil. Two stores racing on the
	// same row must not both receive it.
	AcquireDue(ctx context.Context, owner string, limit int, now, leaseUntil time.Time) ([]*domain.Job, error)

	// PromoteDueTimers moves timer jobs whose due date has been reached
	// into the executable table, returning how many moved.
	PromoteDueTimers(ctx context.Context, now time.Time, limit int) (int, error)

	Insert(ctx context.Context, state domain.State, job *domain.Job) error
	Update(ctx context.Context, state domain.State, job *domain.Job) error
	Delete(ctx context.Context, state domain.State, id string) error
	FindByID(ctx context.Context, state domain.State, id string) (*domain.Job, error)
	FindByProcessInstance(ctx context.Context, state domain.State, processInstanceID string) ([]*domain.Job, error)
	List(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)

	// Locate finds the job in whichever table holds it.
	Locate(ctx context.Context, id string) (*domain.Job, domain.State, error)

	// Move deletes the job from one table and inserts it into another as
	// a single transaction, preserving the id. Returns
	// domain.ErrJobNotFound when the source record is already gone.
	Move(ctx context.Context, from, to domain.State, job *domain.Job) error

	// SuspendInstance moves every timer and executable job of the
	// process instance into the suspended table, atomically.
	SuspendInstance(ctx context.Context, processInstanceID string) (int, error)

	// ActivateInstance moves every suspended job of the process instance
	// back to timer (future due date) or executable, atomically.
	ActivateInstance(ctx context.Context, processInstanceID string, now time.Time) (timers, executables int, err error)

	// LockInstance takes the advisory lock that serializes exclusive
	// jobs of one process instance. The returned release func must be
	// called unconditionally.
	LockInstance(ctx context.Context, processInstanceID string) (release func(), err error)

	// SetInstanceLockHint records until when an exclusive job of the
	// instance is expected to be running.
	SetInstanceLockHint(ctx context.Context, processInstanceID string, until time.Time) error

	// ClearInstanceLockHint removes the hint. Safe to call when no hint
	// is held.
	ClearInstanceLockHint(ctx context.Context, processInstanceID string) error
}
