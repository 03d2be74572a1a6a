package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/event"
	"github.com/procflow/jobexec/internal/infrastructure/memory"
	"github.com/procflow/jobexec/internal/scheduler"
	httptransport "github.com/procflow/jobexec/internal/transport/http"
	"github.com/procflow/jobexec/internal/transport/http/handler"
	"github.com/procflow/jobexec/internal/usecase"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type api struct {
	router *gin.Engine
	store  *memory.Store
	clk    *clock.Fake
}

func newAPI(t *testing.T, resumeErr error) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	clk := clock.NewFake(t0)
	events := event.NewDispatcher(logger)

	retry := scheduler.NewRetryHandler(store, events, clk, logger, 30*time.Second, 5*time.Minute)
	executor := scheduler.NewExecutor(store, retry, events, clk, func(context.Context, string) error {
		return resumeErr
	}, logger)

	commands := usecase.NewJobCommands(store, events, clk, executor, logger)
	suspension := usecase.NewSuspension(store, clk, logger)

	return &api{
		router: httptransport.NewRouter(logger, handler.NewJobHandler(commands, logger), handler.NewInstanceHandler(suspension, logger)),
		store:  store,
		clk:    clk,
	}
}

func (a *api) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	a := newAPI(t, nil)

	rec := a.do(http.MethodPost, "/jobs", `{"execution_id":"exec-1","kind":"async"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID      string `json:"id"`
		Retries int    `json:"retries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" || resp.Retries != 3 {
		t.Errorf("response = %+v, want assigned id and default retries", resp)
	}
	if _, _, err := a.store.Locate(context.Background(), resp.ID); err != nil {
		t.Errorf("created job not persisted: %v", err)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	a := newAPI(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing execution id", `{"kind":"async"}`},
		{"unknown kind", `{"execution_id":"e","kind":"cron"}`},
		{"malformed repeat expression", `{"execution_id":"e","repeat_expression":"R3/banana"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := a.do(http.MethodPost, "/jobs", tc.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	a := newAPI(t, nil)

	if rec := a.do(http.MethodGet, "/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelJob_LeasedConflict(t *testing.T) {
	a := newAPI(t, nil)

	owner, until := "node-1", t0.Add(time.Minute)
	job := &domain.Job{
		ID: "j1", Kind: domain.KindTimer, ExecutionID: "exec-1",
		LockOwner: &owner, LockExpiration: &until,
		Retries: 3, CreatedAt: t0,
	}
	if err := a.store.Insert(context.Background(), domain.StateTimer, job); err != nil {
		t.Fatal(err)
	}

	if rec := a.do(http.MethodDelete, "/jobs/j1", ""); rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 while the lease is live", rec.Code)
	}

	a.clk.Advance(2 * time.Minute)
	if rec := a.do(http.MethodDelete, "/jobs/j1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 after lease expiry", rec.Code)
	}
}

func TestExecuteJob_FailureIsUnprocessable(t *testing.T) {
	a := newAPI(t, errors.New("engine rejected the resume"))

	job := &domain.Job{ID: "j1", Kind: domain.KindAsync, ExecutionID: "exec-1", Retries: 3, CreatedAt: t0}
	if err := a.store.Insert(context.Background(), domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	if rec := a.do(http.MethodPost, "/jobs/j1/execute", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	if _, err := a.store.FindByID(context.Background(), domain.StateTimer, "j1"); err != nil {
		t.Errorf("failed job must be rescheduled: %v", err)
	}
}

func TestResurrectJob(t *testing.T) {
	a := newAPI(t, nil)

	job := &domain.Job{ID: "j1", Kind: domain.KindAsync, ExecutionID: "exec-1", CreatedAt: t0}
	if err := a.store.Insert(context.Background(), domain.StateDeadLetter, job); err != nil {
		t.Fatal(err)
	}

	if rec := a.do(http.MethodPost, "/jobs/j1/resurrect", `{"retries":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("retries=0: status = %d, want 400", rec.Code)
	}
	if rec := a.do(http.MethodPost, "/jobs/j1/resurrect", `{"retries":5}`); rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if _, err := a.store.FindByID(context.Background(), domain.StateExecutable, "j1"); err != nil {
		t.Errorf("resurrected job must be executable: %v", err)
	}
}

func TestListInstanceJobs(t *testing.T) {
	a := newAPI(t, nil)

	for _, id := range []string{"j1", "j2"} {
		job := &domain.Job{
			ID: id, Kind: domain.KindAsync, ExecutionID: "exec-" + id,
			ProcessInstanceID: "pi-1", Retries: 3, CreatedAt: t0,
		}
		if err := a.store.Insert(context.Background(), domain.StateExecutable, job); err != nil {
			t.Fatal(err)
		}
	}

	rec := a.do(http.MethodGet, "/process-instances/pi-1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Jobs) != 2 {
		t.Errorf("listed %d jobs, want 2", len(resp.Jobs))
	}
}

func TestSuspendAndActivateInstance(t *testing.T) {
	a := newAPI(t, nil)

	job := &domain.Job{
		ID: "j1", Kind: domain.KindAsync, ExecutionID: "exec-1",
		ProcessInstanceID: "pi-1", Retries: 3, CreatedAt: t0,
	}
	if err := a.store.Insert(context.Background(), domain.StateExecutable, job); err != nil {
		t.Fatal(err)
	}

	rec := a.do(http.MethodPost, "/process-instances/pi-1/suspend", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobsMoved int `json:"jobs_moved"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobsMoved != 1 {
		t.Errorf("jobs_moved = %d, want 1", resp.JobsMoved)
	}

	if rec := a.do(http.MethodPost, "/process-instances/pi-1/activate", ""); rec.Code != http.StatusOK {
		t.Errorf("activate status = %d", rec.Code)
	}
	if _, err := a.store.FindByID(context.Background(), domain.StateExecutable, "j1"); err != nil {
		t.Errorf("activated job must be executable again: %v", err)
	}
}
