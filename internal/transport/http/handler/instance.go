package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/usecase"
)

// InstanceHandler is the suspension-cascade entry point used by the
// process-instance suspend/activate commands.
type InstanceHandler struct {
	suspension *usecase.Suspension
	logger     *slog.Logger
}

func NewInstanceHandler(suspension *usecase.Suspension, logger *slog.Logger) *InstanceHandler {
	return &InstanceHandler{suspension: suspension, logger: logger.With("component", "instance_handler")}
}

func (h *InstanceHandler) Suspend(ctx *gin.Context) {
	h.setState(ctx, true)
}

func (h *InstanceHandler) Activate(ctx *gin.Context) {
	h.setState(ctx, false)
}

func (h *InstanceHandler) setState(ctx *gin.Context, suspended bool) {
	id := ctx.Param("id")

	moved, err := h.suspension.SetProcessInstanceSuspensionState(ctx.Request.Context(), id, suspended)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("set suspension state", "process_instance_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs_moved": moved})
}
