package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/projectmart/backend/internal/services"
)

// SweepExpiredArgs asks for one pass over expired escrow holds.
type SweepExpiredArgs struct {
	Limit int `json:"limit"`
}

func (SweepExpiredArgs) Kind() string { return "sweep_expired_escrow" }

// Sweeper is the release path the sweep job drives.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (services.SweepResult, error)
}

type SweepExpiredWorker struct {
	river.WorkerDefaults[SweepExpiredArgs]
	sweeper Sweeper
	logger  *slog.Logger
}

func NewSweepExpiredWorker(s Sweeper, logger *slog.Logger) *SweepExpiredWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepExpiredWorker{sweeper: s, logger: logger}
}

func (w *SweepExpiredWorker) Work(ctx context.Context, job *river.Job[SweepExpiredArgs]) error {
	res, err := w.sweeper.SweepExpired(ctx, job.Args.Limit)
	if err != nil {
		return fmt.Errorf("sweep expired escrow: %w", err)
	}
	if res.Failed > 0 {
		w.logger.Warn("sweep left purchases for the next run", "failed", res.Failed, "released", res.Released)
	}
	return nil
}

// Timeout keeps a sweep from running past the next scheduled one.
func (w *SweepExpiredWorker) Timeout(*river.Job[SweepExpiredArgs]) time.Duration {
	return 5 * time.Minute
}

// SweepPeriodicJob schedules the sweep every interval, starting at boot.
func SweepPeriodicJob(interval time.Duration, limit int) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepExpiredArgs{Limit: limit}, &river.InsertOpts{MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
