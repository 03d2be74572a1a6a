package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/event"
	"github.com/procflow/jobexec/internal/infrastructure/memory"
	"github.com/procflow/jobexec/internal/repository"
	"github.com/procflow/jobexec/internal/scheduler"
)

// recorder collects dispatched event types for assertions.
type recorder struct {
	mu    sync.Mutex
	types []event.Type
}

func (r *recorder) OnEvent(_ context.Context, evt event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, evt.Type)
}

func (r *recorder) has(t event.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.types {
		if got == t {
			return true
		}
	}
	return false
}

const (
	testRetryWait   = 30 * time.Second
	testMessageWait = 5 * time.Minute
	testLease       = time.Minute
)

func newExecutor(store *memory.Store, clk clock.Clock, resume scheduler.ResumeExecution) (*scheduler.Executor, *recorder) {
	logger := testLogger()
	rec := &recorder{}
	events := event.NewDispatcher(logger, rec)
	retry := scheduler.NewRetryHandler(store, events, clk, logger, testRetryWait, testMessageWait)
	return scheduler.NewExecutor(store, retry, events, clk, resume, logger), rec
}

func lease(job *domain.Job, owner string, until time.Time) *domain.Job {
	job.LockOwner = &owner
	job.LockExpiration = &until
	return job
}

func TestExecute_SuccessDeletesRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)

	var resumed []string
	exec, rec := newExecutor(store, clk, func(_ context.Context, executionID string) error {
		resumed = append(resumed, executionID)
		return nil
	})

	job := lease(executableJob("j1", nil), "node-1", t0.Add(testLease))
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	if err := exec.Execute(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resumed) != 1 || resumed[0] != "exec-j1" {
		t.Errorf("resumed %v, want exactly exec-j1", resumed)
	}
	if _, _, err := store.Locate(ctx, "j1"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Error("completed job must leave no record in any table")
	}
	if !rec.has(event.EntityDeleted) {
		t.Error("completion must dispatch ENTITY_DELETED")
	}
}

func TestExecute_VanishedJobIsNotFound(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(memory.New(), clock.NewFake(t0), func(context.Context, string) error {
		t.Error("resume must not run for a vanished job")
		return nil
	})

	err := exec.Execute(ctx, executableJob("gone", nil))
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

func TestExecute_FailureRecordsAttemptAndReschedules(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)

	cause := errors.New("service task blew up")
	exec, rec := newExecutor(store, clk, func(context.Context, string) error { return cause })

	job := lease(executableJob("j1", nil), "node-1", t0.Add(testLease))
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	err := exec.Execute(ctx, job)

	var execErr *domain.ExecutionFailureError
	if !errors.As(err, &execErr) {
		t.Fatalf("got %T, want ExecutionFailureError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("execution error must wrap the resume failure")
	}

	stored, err := store.FindByID(ctx, domain.StateTimer, "j1")
	if err != nil {
		t.Fatalf("failed job must land in the timer table: %v", err)
	}
	if stored.Retries != 2 {
		t.Errorf("retries = %d, want 2 after one failed attempt", stored.Retries)
	}
	if stored.ExceptionMessage == nil || *stored.ExceptionMessage != cause.Error() {
		t.Error("failure message must be recorded on the job")
	}
	if stored.LockOwner != nil || stored.LockExpiration != nil {
		t.Error("lease must be cleared on the rescheduled record")
	}
	if want := t0.Add(testRetryWait); stored.DueDate == nil || !stored.DueDate.Equal(want) {
		t.Errorf("due = %v, want %v", stored.DueDate, want)
	}
	if !rec.has(event.JobExecutionFailure) {
		t.Error("failure must dispatch JOB_EXECUTION_FAILURE")
	}
}

func TestExecute_PanicBecomesOrdinaryFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)

	exec, _ := newExecutor(store, clk, func(context.Context, string) error {
		panic("worker bug")
	})

	job := lease(executableJob("j1", nil), "node-1", t0.Add(testLease))
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	var execErr *domain.ExecutionFailureError
	if err := exec.Execute(ctx, job); !errors.As(err, &execErr) {
		t.Fatalf("got %v, want ExecutionFailureError", err)
	}

	stored, err := store.FindByID(ctx, domain.StateTimer, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExceptionStacktrace == nil || *stored.ExceptionStacktrace == "" {
		t.Error("panic must record a stacktrace on the job")
	}
}

func TestExecute_BoundedRepeatFiresExactly(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)

	executions := 0
	exec, _ := newExecutor(store, clk, func(context.Context, string) error {
		executions++
		return nil
	})

	due := t0
	first := executableJob("r1", &due)
	first.RepeatExpression = "R3/PT10M"
	if err := store.Insert(ctx, domain.StateTimer, first); err != nil {
		t.Fatal(err)
	}

	// Drive the promote/execute cycle until the sequence exhausts itself.
	for i := 0; i < 10; i++ {
		if _, err := store.PromoteDueTimers(ctx, clk.Now(), 100); err != nil {
			t.Fatal(err)
		}
		ready, err := store.List(ctx, repository.ListJobsInput{State: domain.StateExecutable, Limit: 100})
		if err != nil {
			t.Fatal(err)
		}
		if len(ready) == 0 {
			if store.Count(domain.StateTimer) == 0 {
				break
			}
			clk.Advance(10 * time.Minute)
			continue
		}
		for _, j := range ready {
			if err := exec.Execute(ctx, j); err != nil {
				t.Fatal(err)
			}
		}
	}

	if executions != 3 {
		t.Errorf("R3 cycle fired %d times, want exactly 3", executions)
	}
	for _, state := range []domain.State{
		domain.StateTimer, domain.StateExecutable, domain.StateSuspended, domain.StateDeadLetter,
	} {
		if n := store.Count(state); n != 0 {
			t.Errorf("%d jobs left in %s after the cycle exhausted", n, state)
		}
	}
}

func TestExecute_ExclusiveReleasesInstanceLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)

	exec, _ := newExecutor(store, clk, func(context.Context, string) error { return nil })

	for _, id := range []string{"a", "b"} {
		job := lease(executableJob(id, nil), "node-1", t0.Add(testLease))
		job.ProcessInstanceID = "pi-shared"
		job.Exclusive = true
		if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
			t.Fatal(err)
		}
	}

	// The second execution would deadlock if the first held the instance
	// lock past its own run.
	for _, id := range []string{"a", "b"} {
		job, err := store.FindByID(ctx, domain.StateExecutable, id)
		if err != nil {
			t.Fatal(err)
		}
		if err := exec.Execute(ctx, job); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}
}
