package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/repository"
)

// Suspension couples process-instance suspension to the jobs of that
// instance's execution tree. The per-instance move is a single store
// transaction, so no job can fire for an instance the caller already
// believes is suspended.
type Suspension struct {
	store  repository.JobStore
	clock  clock.Clock
	logger *slog.Logger
}

func NewSuspension(store repository.JobStore, clk clock.Clock, logger *slog.Logger) *Suspension {
	return &Suspension{
		store:  store,
		clock:  clk,
		logger: logger.With("component", "suspension"),
	}
}

// SetProcessInstanceSuspensionState suspends or activates every job of
// the process instance. Returns how many jobs changed tables.
func (s *Suspension) SetProcessInstanceSuspensionState(ctx context.Context, processInstanceID string, suspended bool) (int, error) {
	if processInstanceID == "" {
		return 0, fmt.Errorf("%w: process instance id is required", domain.ErrInvalidArgument)
	}

	if suspended {
		moved, err := s.store.SuspendInstance(ctx, processInstanceID)
		if err != nil {
			return 0, fmt.Errorf("suspend instance %s: %w", processInstanceID, err)
		}
		s.logger.Info("process instance jobs suspended", "process_instance_id", processInstanceID, "jobs", moved)
		return moved, nil
	}

	timers, executables, err := s.store.ActivateInstance(ctx, processInstanceID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("activate instance %s: %w", processInstanceID, err)
	}
	s.logger.Info("process instance jobs activated",
		"process_instance_id", processInstanceID, "timers", timers, "executables", executables)
	return timers + executables, nil
}
