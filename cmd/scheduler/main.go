package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/procflow/jobexec/config"
	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/event"
	"github.com/procflow/jobexec/internal/health"
	"github.com/procflow/jobexec/internal/infrastructure/postgres"
	ctxlog "github.com/procflow/jobexec/internal/log"
	"github.com/procflow/jobexec/internal/metrics"
	"github.com/procflow/jobexec/internal/scheduler"
	httptransport "github.com/procflow/jobexec/internal/transport/http"
	"github.com/procflow/jobexec/internal/transport/http/handler"
	"github.com/procflow/jobexec/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	store := postgres.NewJobStore(pool)
	if err := store.Migrate(ctx); err != nil {
		stop()
		log.Fatalf("migrate: %v", err)
	}
	logger.Info("db connected")

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	clk := clock.System()
	events := event.NewDispatcher(logger, metricsListener())

	retry := scheduler.NewRetryHandler(store, events, clk, logger, cfg.RetryWait(), cfg.MessageRetryWait())
	resume := scheduler.NewHTTPResume(cfg.EngineResumeURL, cfg.ResumeTimeout())
	executor := scheduler.NewExecutor(store, retry, events, clk, resume, logger)

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	acquirer := scheduler.NewAcquirer(
		owner, store, executor, clk, logger,
		cfg.PollInterval(), cfg.MaxJobsPerAcquisition, cfg.LockDuration(), cfg.WorkerCount,
	)
	go acquirer.Run(ctx)

	promoter := scheduler.NewTimerPromoter(store, clk, logger, cfg.TimerInterval())
	go promoter.Run(ctx)

	commands := usecase.NewJobCommands(store, events, clk, executor, logger)
	suspension := usecase.NewSuspension(store, clk, logger)

	srv := http.Server{
		Addr: ":" + cfg.Port,
		Handler: httptransport.NewRouter(
			logger,
			handler.NewJobHandler(commands, logger),
			handler.NewInstanceHandler(suspension, logger),
		),
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("ops server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ops server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("scheduler shut down")
}

// metricsListener mirrors dispatched domain events into a counter.
func metricsListener() event.Listener {
	return event.ListenerFunc(func(_ context.Context, evt event.Event) {
		metrics.EventsDispatchedTotal.WithLabelValues(string(evt.Type)).Inc()
	})
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
