package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/procflow/jobexec/internal/clock"
	"github.com/procflow/jobexec/internal/metrics"
	"github.com/procflow/jobexec/internal/repository"
)

const promotionBatchSize = 100

// TimerPromoter periodically moves due timer jobs into the executable
// table, so acquisition only ever scans one table. Competing promoters
// on different nodes are safe: the store skips rows another promoter is
// moving.
type TimerPromoter struct {
	store    repository.JobStore
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
}

func NewTimerPromoter(store repository.JobStore, clk clock.Clock, logger *slog.Logger, interval time.Duration) *TimerPromoter {
	return &TimerPromoter{
		store:    store,
		clock:    clk,
		logger:   logger.With("component", "timer_promoter"),
		interval: interval,
	}
}

func (p *TimerPromoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("timer promoter started", "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("timer promoter shut down")
			return
		case <-ticker.C:
			p.promote(ctx)
		}
	}
}

func (p *TimerPromoter) promote(ctx context.Context) {
	for {
		moved, err := p.store.PromoteDueTimers(ctx, p.clock.Now(), promotionBatchSize)
		if err != nil {
			p.logger.Error("promote due timers", "error", err)
			return
		}
		if moved == 0 {
			return
		}
		metrics.TimersPromotedTotal.Add(float64(moved))
		p.logger.Info("promoted due timers", "count", moved)
		if moved < promotionBatchSize {
			return
		}
	}
}
