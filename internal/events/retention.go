package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention deletes old events on a cron schedule.
type Retention struct {
	store    EventStore
	schedule string
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewRetention validates schedule, a standard five-field cron expression or a
// descriptor such as "@hourly".
func NewRetention(st EventStore, schedule string, maxAge time.Duration, logger *slog.Logger) (*Retention, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", maxAge)
	}
	return &Retention{store: st, schedule: schedule, maxAge: maxAge, logger: logger}, nil
}

func (r *Retention) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.Sweep(ctx) }); err != nil {
		return err
	}
	r.logger.Info("event retention started", "schedule", r.schedule, "max_age", r.maxAge)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("event retention stopped")
	return nil
}

// Sweep deletes events older than the retention window once.
func (r *Retention) Sweep(ctx context.Context) int64 {
	n, err := r.store.DeleteOldProjectEvents(ctx, r.maxAge)
	if err != nil {
		r.logger.Error("event retention: delete", "error", err)
		return 0
	}
	if n > 0 {
		r.logger.Info("event retention: deleted events", "count", n)
	}
	return n
}
