package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// RefundGenerationArgs retries the refund of one failed generation after
// the inline attempts were exhausted.
type RefundGenerationArgs struct {
	GenerationID uuid.UUID `json:"generation_id"`
}

func (RefundGenerationArgs) Kind() string { return "refund_generation" }

func (RefundGenerationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 25,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type RefundWorker struct {
	river.WorkerDefaults[RefundGenerationArgs]
	lifecycle Lifecycle
	log       *slog.Logger
}

func NewRefundWorker(l Lifecycle, log *slog.Logger) *RefundWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RefundWorker{lifecycle: l, log: log}
}

func (w *RefundWorker) Work(ctx context.Context, job *river.Job[RefundGenerationArgs]) error {
	created, err := w.lifecycle.RefundByID(ctx, job.Args.GenerationID)
	if err != nil {
		return fmt.Errorf("refund generation %s: %w", job.Args.GenerationID, err)
	}
	if created {
		w.log.Info("queued refund issued", "generation_id", job.Args.GenerationID, "attempt", job.Attempt)
	}
	return nil
}

// ReconcileRefundsArgs is the periodic sweep for failed generations that
// never got their refund row.
type ReconcileRefundsArgs struct {
	Limit int `json:"limit"`
}

func (ReconcileRefundsArgs) Kind() string { return "reconcile_refunds" }

func (ReconcileRefundsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

const defaultReconcileLimit = 200

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileRefundsArgs]
	lifecycle Lifecycle
	log       *slog.Logger
}

func NewReconcileWorker(l Lifecycle, log *slog.Logger) *ReconcileWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileWorker{lifecycle: l, log: log}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileRefundsArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	issued, err := w.lifecycle.ReconcileRefunds(ctx, limit)
	if err != nil {
		return fmt.Errorf("reconcile refunds: %w", err)
	}
	w.log.Debug("refund reconciliation finished", "issued", issued)
	return nil
}

// ReconcilePeriodicJob schedules the sweep every interval, starting at boot.
func ReconcilePeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileRefundsArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// Register adds every worker of this package to workers.
func Register(workers *river.Workers, l Lifecycle, providerURL string, log *slog.Logger) {
	river.AddWorker(workers, NewGenerateImageWorker(l, providerURL, log))
	river.AddWorker(workers, NewRefundWorker(l, log))
	river.AddWorker(workers, NewReconcileWorker(l, log))
}
