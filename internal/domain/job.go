package domain

import (
	"time"
)

// State identifies which of the four job tables a record lives in.
// A job id exists in at most one table at any committed point in time;
// a transition is a delete from one table plus an insert into another,
// preserving the id.
type State string

const (
	StateTimer      State = "timer"
	StateExecutable State = "executable"
	StateSuspended  State = "suspended"
	StateDeadLetter State = "deadletter"
)

// ActiveStates are the tables the scheduler itself reads from.
var ActiveStates = []State{StateTimer, StateExecutable}

// Kind tags the behavior variant of a job. All kinds share one record
// shape; kind-specific behavior (e.g. the longer retry wait for message
// jobs) is dispatched on this tag.
type Kind string

const (
	KindTimer   Kind = "timer"
	KindAsync   Kind = "async"
	KindMessage Kind = "message"
)

type Job struct {
	ID   string
	Kind Kind

	// DueDate nil means eligible immediately.
	DueDate *time.Time

	// LockOwner and LockExpiration are set together or not at all.
	LockOwner      *string
	LockExpiration *time.Time

	// Retries is the remaining attempt budget. A persisted active job
	// always has Retries >= 1; the retry-vs-dead-letter decision is made
	// before the record is stored for a future attempt.
	Retries int

	// RetriesInitialized marks that the budget was already derived from
	// the repeat expression, so later failures decrement instead of
	// re-initializing. Kept explicit rather than inferred from
	// ExceptionMessage being unset.
	RetriesInitialized bool

	ExceptionMessage    *string
	ExceptionStacktrace *string

	ExecutionID         string
	ProcessInstanceID   string
	ProcessDefinitionID string

	// RepeatExpression, when non-empty, describes a repeating cycle:
	// either an ISO-8601 repeating interval ("R3/PT10M") or a cron spec
	// prefixed with "cycle:". Firing such a timer spawns the next
	// occurrence as a new timer job.
	RepeatExpression string

	// Exclusive jobs must not run concurrently with sibling jobs of the
	// same process instance.
	Exclusive bool

	TenantID string

	CreatedAt time.Time
}

// Locked reports whether the job carries an unexpired lease at the given
// instant. An expired lease is indistinguishable from no lease.
func (j *Job) Locked(now time.Time) bool {
	return j.LockExpiration != nil && j.LockExpiration.After(now)
}

// Due reports whether the job is eligible for execution at the given
// instant. A nil due date means due immediately.
func (j *Job) Due(now time.Time) bool {
	return j.DueDate == nil || !j.DueDate.After(now)
}

// ClearLock drops both lease fields together.
func (j *Job) ClearLock() {
	j.LockOwner = nil
	j.LockExpiration = nil
}

// RecordFailure stores failure evidence on the record.
func (j *Job) RecordFailure(f Failure) {
	msg := f.Message
	j.ExceptionMessage = &msg
	if f.Stacktrace != "" {
		st := f.Stacktrace
		j.ExceptionStacktrace = &st
	}
}

// ClearFailure removes stored failure evidence after a successful run.
func (j *Job) ClearFailure() {
	j.ExceptionMessage = nil
	j.ExceptionStacktrace = nil
}

// Failure is a structured description of a failed attempt. The scheduler
// passes this value around instead of a live error so retry bookkeeping
// is not coupled to any particular error representation.
type Failure struct {
	Message    string
	Stacktrace string
}

// FailureFromError captures err as a Failure.
func FailureFromError(err error) Failure {
	if err == nil {
		return Failure{}
	}
	return Failure{Message: err.Error()}
}
