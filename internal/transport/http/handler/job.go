package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/repository"
	"github.com/procflow/jobexec/internal/usecase"
)

type JobHandler struct {
	commands *usecase.JobCommands
	logger   *slog.Logger
}

func NewJobHandler(commands *usecase.JobCommands, logger *slog.Logger) *JobHandler {
	return &JobHandler{commands: commands, logger: logger.With("component", "job_handler")}
}

type createJobRequest struct {
	Kind                string     `json:"kind"                  binding:"omitempty,oneof=timer async message"`
	DueDate             *time.Time `json:"due_date"`
	Retries             int        `json:"retries"               binding:"omitempty,min=1,max=100"`
	ExecutionID         string     `json:"execution_id"          binding:"required"`
	ProcessInstanceID   string     `json:"process_instance_id"`
	ProcessDefinitionID string     `json:"process_definition_id"`
	RepeatExpression    string     `json:"repeat_expression"`
	Exclusive           bool       `json:"exclusive"`
	TenantID            string     `json:"tenant_id"`
}

type jobResponse struct {
	ID                  string       `json:"id"`
	Kind                domain.Kind  `json:"kind"`
	State               domain.State `json:"state,omitempty"`
	DueDate             *time.Time   `json:"due_date,omitempty"`
	LockOwner           *string      `json:"lock_owner,omitempty"`
	LockExpiration      *time.Time   `json:"lock_expiration,omitempty"`
	Retries             int          `json:"retries"`
	ExceptionMessage    *string      `json:"exception_message,omitempty"`
	ExecutionID         string       `json:"execution_id"`
	ProcessInstanceID   string       `json:"process_instance_id,omitempty"`
	ProcessDefinitionID string       `json:"process_definition_id,omitempty"`
	RepeatExpression    string       `json:"repeat_expression,omitempty"`
	Exclusive           bool         `json:"exclusive"`
	TenantID            string       `json:"tenant_id,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

func toJobResponse(j *domain.Job, state domain.State) jobResponse {
	return jobResponse{
		ID:                  j.ID,
		Kind:                j.Kind,
		State:               state,
		DueDate:             j.DueDate,
		LockOwner:           j.LockOwner,
		LockExpiration:      j.LockExpiration,
		Retries:             j.Retries,
		ExceptionMessage:    j.ExceptionMessage,
		ExecutionID:         j.ExecutionID,
		ProcessInstanceID:   j.ProcessInstanceID,
		ProcessDefinitionID: j.ProcessDefinitionID,
		RepeatExpression:    j.RepeatExpression,
		Exclusive:           j.Exclusive,
		TenantID:            j.TenantID,
		CreatedAt:           j.CreatedAt,
	}
}

func (h *JobHandler) Create(ctx *gin.Context) {
	var req createJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.commands.Create(ctx.Request.Context(), &domain.Job{
		Kind:                domain.Kind(req.Kind),
		DueDate:             req.DueDate,
		Retries:             req.Retries,
		ExecutionID:         req.ExecutionID,
		ProcessInstanceID:   req.ProcessInstanceID,
		ProcessDefinitionID: req.ProcessDefinitionID,
		RepeatExpression:    req.RepeatExpression,
		Exclusive:           req.Exclusive,
		TenantID:            req.TenantID,
	})
	if err != nil {
		h.respondError(ctx, "create job", err)
		return
	}
	ctx.JSON(http.StatusCreated, toJobResponse(job, ""))
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	job, state, err := h.commands.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		h.respondError(ctx, "get job", err)
		return
	}
	ctx.JSON(http.StatusOK, toJobResponse(job, state))
}

func (h *JobHandler) List(ctx *gin.Context) {
	state := domain.State(ctx.DefaultQuery("state", string(domain.StateExecutable)))

	jobs, err := h.commands.List(ctx.Request.Context(), repository.ListJobsInput{
		State:    state,
		TenantID: ctx.Query("tenant_id"),
	})
	if err != nil {
		h.respondError(ctx, "list jobs", err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j, state))
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (h *JobHandler) ListByInstance(ctx *gin.Context) {
	state := domain.State(ctx.DefaultQuery("state", string(domain.StateExecutable)))

	jobs, err := h.commands.JobsForProcessInstance(ctx.Request.Context(), ctx.Param("id"), state)
	if err != nil {
		h.respondError(ctx, "list instance jobs", err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j, state))
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (h *JobHandler) Cancel(ctx *gin.Context) {
	if err := h.commands.Cancel(ctx.Request.Context(), ctx.Param("id")); err != nil {
		h.respondError(ctx, "cancel job", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) DeleteTimer(ctx *gin.Context) {
	if err := h.commands.DeleteTimerJob(ctx.Request.Context(), ctx.Param("id")); err != nil {
		h.respondError(ctx, "delete timer job", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) Execute(ctx *gin.Context) {
	if err := h.commands.ExecuteNow(ctx.Request.Context(), ctx.Param("id")); err != nil {
		var execErr *domain.ExecutionFailureError
		if errors.As(err, &execErr) {
			ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": execErr.Error()})
			return
		}
		h.respondError(ctx, "execute job", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) MoveToExecutable(ctx *gin.Context) {
	if err := h.commands.MoveTimerToExecutable(ctx.Request.Context(), ctx.Param("id")); err != nil {
		h.respondError(ctx, "move timer to executable", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

type moveToTimerRequest struct {
	DueDate time.Time `json:"due_date" binding:"required"`
}

func (h *JobHandler) MoveToTimer(ctx *gin.Context) {
	var req moveToTimerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.commands.MoveExecutableToTimer(ctx.Request.Context(), ctx.Param("id"), req.DueDate); err != nil {
		h.respondError(ctx, "move executable to timer", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) MoveToDeadLetter(ctx *gin.Context) {
	if err := h.commands.MoveToDeadLetter(ctx.Request.Context(), ctx.Param("id")); err != nil {
		h.respondError(ctx, "move job to dead letter", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

type resurrectRequest struct {
	Retries int `json:"retries" binding:"required,min=1"`
}

func (h *JobHandler) Resurrect(ctx *gin.Context) {
	var req resurrectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.commands.ResurrectDeadLetter(ctx.Request.Context(), ctx.Param("id"), req.Retries); err != nil {
		h.respondError(ctx, "resurrect dead-letter job", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) Stacktrace(ctx *gin.Context) {
	state := domain.State(ctx.DefaultQuery("state", string(domain.StateDeadLetter)))

	trace, err := h.commands.ExceptionStacktrace(ctx.Request.Context(), ctx.Param("id"), state)
	if err != nil {
		h.respondError(ctx, "get exception stacktrace", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stacktrace": trace})
}

func (h *JobHandler) respondError(ctx *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
	case errors.Is(err, domain.ErrJobBeingExecuted):
		ctx.JSON(http.StatusConflict, gin.H{"error": errJobBeingExecuted})
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrRetryPolicyMalformed):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, "job_id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
