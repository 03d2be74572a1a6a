package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/event"
	"github.com/procflow/jobexec/internal/infrastructure/memory"
	"github.com/procflow/jobexec/internal/scheduler"
)

func newRetryHandler(store *memory.Store, clk clock.Clock) (*scheduler.RetryHandler, *recorder) {
	logger := testLogger()
	rec := &recorder{}
	events := event.NewDispatcher(logger, rec)
	return scheduler.NewRetryHandler(store, events, clk, logger, testRetryWait, testMessageWait), rec
}

func failedAttempt() domain.Failure {
	return domain.Failure{Message: "boom", Stacktrace: "stack"}
}

func TestOnFailure_ReschedulesWithDecrementedBudget(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)
	h, rec := newRetryHandler(store, clk)

	job := lease(executableJob("j1", nil), "node-1", t0.Add(testLease))
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	if err := h.OnFailure(ctx, job, failedAttempt()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := store.FindByID(ctx, domain.StateTimer, "j1")
	if err != nil {
		t.Fatalf("job must move to the timer table: %v", err)
	}
	if stored.Retries != 2 {
		t.Errorf("retries = %d, want 2", stored.Retries)
	}
	if want := t0.Add(testRetryWait); stored.DueDate == nil || !stored.DueDate.Equal(want) {
		t.Errorf("due = %v, want %v", stored.DueDate, want)
	}
	if stored.ExceptionMessage == nil || *stored.ExceptionMessage != "boom" {
		t.Error("failure message must be persisted")
	}
	if stored.ExceptionStacktrace == nil || *stored.ExceptionStacktrace != "stack" {
		t.Error("stacktrace must be persisted")
	}
	if stored.LockOwner != nil || stored.LockExpiration != nil {
		t.Error("lease must be cleared before the record is stored")
	}
	if !rec.has(event.JobRetriesDecremented) {
		t.Error("transition must dispatch JOB_RETRIES_DECREMENTED")
	}
}

func TestOnFailure_MessageKindWaitsLonger(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)
	h, _ := newRetryHandler(store, clk)

	job := executableJob("m1", nil)
	job.Kind = domain.KindMessage
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	if err := h.OnFailure(ctx, job, failedAttempt()); err != nil {
		t.Fatal(err)
	}

	stored, err := store.FindByID(ctx, domain.StateTimer, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if want := t0.Add(testMessageWait); stored.DueDate == nil || !stored.DueDate.Equal(want) {
		t.Errorf("due = %v, want the message retry wait %v", stored.DueDate, want)
	}
}

func TestOnFailure_ExhaustedBudgetDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)
	h, _ := newRetryHandler(store, clk)

	job := executableJob("j1", nil)
	job.Retries = 3
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	// Three failed attempts burn the whole budget.
	for attempt := 0; attempt < 3; attempt++ {
		if err := h.OnFailure(ctx, job, failedAttempt()); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if job.Retries <= 0 {
			break
		}
		// Simulate the timer coming due again.
		if err := store.Move(ctx, domain.StateTimer, domain.StateExecutable, job); err != nil {
			t.Fatal(err)
		}
	}

	stored, err := store.FindByID(ctx, domain.StateDeadLetter, "j1")
	if err != nil {
		t.Fatalf("exhausted job must land in the dead-letter table: %v", err)
	}
	if stored.Retries != 0 {
		t.Errorf("retries = %d, want 0", stored.Retries)
	}
	if stored.ExceptionMessage == nil {
		t.Error("dead-lettered job must keep its failure evidence")
	}
	if store.Count(domain.StateTimer)+store.Count(domain.StateExecutable) != 0 {
		t.Error("no active record may remain after dead-lettering")
	}
}

func TestOnFailure_ExpressionInitializesBudgetOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)
	h, _ := newRetryHandler(store, clk)

	job := executableJob("j1", nil)
	job.RepeatExpression = "R5/PT10M"
	job.Retries = 3 // creation default, superseded by the expression
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	if err := h.OnFailure(ctx, job, failedAttempt()); err != nil {
		t.Fatal(err)
	}

	stored, err := store.FindByID(ctx, domain.StateTimer, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Retries != 5 {
		t.Errorf("first failure: retries = %d, want the expression's budget 5", stored.Retries)
	}
	if !stored.RetriesInitialized {
		t.Error("budget initialization must be recorded")
	}
	if want := t0.Add(10 * time.Minute); stored.DueDate == nil || !stored.DueDate.Equal(want) {
		t.Errorf("due = %v, want backoff from the moment of failure %v", stored.DueDate, want)
	}

	// Later failures decrement instead of re-initializing.
	if err := store.Move(ctx, domain.StateTimer, domain.StateExecutable, stored); err != nil {
		t.Fatal(err)
	}
	if err := h.OnFailure(ctx, stored, failedAttempt()); err != nil {
		t.Fatal(err)
	}
	again, err := store.FindByID(ctx, domain.StateTimer, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Retries != 4 {
		t.Errorf("second failure: retries = %d, want 4", again.Retries)
	}
}

func TestOnFailure_UnboundedExpressionNeverDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)
	h, _ := newRetryHandler(store, clk)

	job := executableJob("j1", nil)
	job.RepeatExpression = "R/PT1H"
	job.Retries = 1
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	if err := h.OnFailure(ctx, job, failedAttempt()); err != nil {
		t.Fatal(err)
	}

	stored, err := store.FindByID(ctx, domain.StateTimer, "j1")
	if err != nil {
		t.Fatalf("unbounded cycle must keep rescheduling: %v", err)
	}
	if want := t0.Add(time.Hour); stored.DueDate == nil || !stored.DueDate.Equal(want) {
		t.Errorf("due = %v, want %v", stored.DueDate, want)
	}
	if store.Count(domain.StateDeadLetter) != 0 {
		t.Error("unbounded cycle must not dead-letter")
	}
}

func TestOnFailure_MalformedExpressionDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(t0)
	h, _ := newRetryHandler(store, clk)

	job := executableJob("j1", nil)
	job.RepeatExpression = "R3/banana"
	if err := store.Insert(ctx, domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	err := h.OnFailure(ctx, job, failedAttempt())
	if !errors.Is(err, domain.ErrRetryPolicyMalformed) {
		t.Fatalf("got %v, want ErrRetryPolicyMalformed", err)
	}

	stored, findErr := store.FindByID(ctx, domain.StateDeadLetter, "j1")
	if findErr != nil {
		t.Fatalf("job with malformed policy must be dead-lettered: %v", findErr)
	}
	if stored.ExceptionMessage == nil || *stored.ExceptionMessage == "" {
		t.Error("parse failure must be recorded on the job")
	}
}
