// Package event carries the scheduler's domain events to interested
// listeners. Dispatch is fire-and-forget: a failing or panicking
// listener is logged and never allowed to mask the outcome of the job
// transition that produced the event.
package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/procflow/jobexec/internal/domain"
)

type Type string

const (
	JobCanceled           Type = "JOB_CANCELED"
	EntityCreated         Type = "ENTITY_CREATED"
	EntityUpdated         Type = "ENTITY_UPDATED"
	EntityDeleted         Type = "ENTITY_DELETED"
	JobRetriesDecremented Type = "JOB_RETRIES_DECREMENTED"
	JobExecutionFailure   Type = "JOB_EXECUTION_FAILURE"
)

// Event describes one occurrence. Payload formatting for external
// delivery is out of scope; listeners receive the job snapshot directly.
type Event struct {
	Type       Type
	JobID      string
	Job        *domain.Job
	OccurredAt time.Time
}

// Listener observes dispatched events.
type Listener interface {
	OnEvent(ctx context.Context, evt Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, evt Event)

func (f ListenerFunc) OnEvent(ctx context.Context, evt Event) { f(ctx, evt) }

// Dispatcher fans events out to registered listeners.
type Dispatcher struct {
	logger    *slog.Logger
	listeners []Listener
}

func NewDispatcher(logger *slog.Logger, listeners ...Listener) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With("component", "events"),
		listeners: listeners,
	}
}

// Dispatch notifies every listener. Listener panics are recovered and
// logged; dispatch never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	for _, l := range d.listeners {
		d.notify(ctx, l, evt)
	}
}

func (d *Dispatcher) notify(ctx context.Context, l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event listener panicked", "event", evt.Type, "job_id", evt.JobID, "panic", r)
		}
	}()
	l.OnEvent(ctx, evt)
}
