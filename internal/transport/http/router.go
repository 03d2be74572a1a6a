package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/procflow/jobexec/internal/transport/http/handler"
	"github.com/procflow/jobexec/internal/transport/http/middleware"

	sloggin "github.com/samber/slog-gin"
)

// NewRouter builds the internal ops API. This surface is for operators
// and the engine itself; the engine's public REST layer lives elsewhere.
func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, instanceHandler *handler.InstanceHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	jobs := r.Group("/jobs")
	jobs.POST("", jobHandler.Create)
	jobs.GET("", jobHandler.List)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.DELETE("/:id", jobHandler.Cancel)
	jobs.DELETE("/:id/timer", jobHandler.DeleteTimer)
	jobs.POST("/:id/execute", jobHandler.Execute)
	jobs.POST("/:id/move-to-executable", jobHandler.MoveToExecutable)
	jobs.POST("/:id/move-to-timer", jobHandler.MoveToTimer)
	jobs.POST("/:id/dead-letter", jobHandler.MoveToDeadLetter)
	jobs.POST("/:id/resurrect", jobHandler.Resurrect)
	jobs.GET("/:id/stacktrace", jobHandler.Stacktrace)

	instances := r.Group("/process-instances")
	instances.GET("/:id/jobs", jobHandler.ListByInstance)
	instances.POST("/:id/suspend", instanceHandler.Suspend)
	instances.POST("/:id/activate", instanceHandler.Activate)

	return r
}
