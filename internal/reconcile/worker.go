// Package reconcile periodically rebuilds store rating summaries from the
// rating rows to catch drift.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/rating"
)

// Reconciler is implemented by *rating.Aggregator.
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]rating.Reconciliation, int, error)
}

// Recorder receives the outcome of every pass. *metrics.Metrics implements it.
type Recorder interface {
	RecordReconcile(duration time.Duration, checked, drifted int, err error)
}

// Invalidator drops cached copies of rewritten stores.
type Invalidator interface {
	Invalidate(ctx context.Context, id int64) error
}

// Worker runs a reconciliation pass on a fixed interval.
type Worker struct {
	reconciler  Reconciler
	recorder    Recorder
	invalidator Invalidator
	interval    time.Duration
	logger      *zap.Logger
}

// NewWorker builds a worker. recorder and invalidator may be nil.
func NewWorker(r Reconciler, interval time.Duration, recorder Recorder, invalidator Invalidator, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		reconciler:  r,
		recorder:    recorder,
		invalidator: invalidator,
		interval:    interval,
		logger:      logger.Named("reconcile"),
	}
}

// Run blocks until ctx is done, running one pass per interval.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("reconcile worker started", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			_, _ = w.RunOnce(ctx)
		}
	}
}

// Pass is the outcome of one reconciliation run.
type Pass struct {
	Checked int
	Drifted []rating.Reconciliation
	Elapsed time.Duration
}

// RunOnce performs a single pass. On error the returned Pass still lists the
// stores repaired before the failure.
func (w *Worker) RunOnce(ctx context.Context) (Pass, error) {
	start := time.Now()
	drifted, checked, err := w.reconciler.ReconcileAll(ctx)
	elapsed := time.Since(start)
	pass := Pass{Checked: checked, Drifted: drifted, Elapsed: elapsed}

	if w.recorder != nil {
		w.recorder.RecordReconcile(elapsed, checked, len(drifted), err)
	}

	for _, rec := range drifted {
		w.logger.Warn("store rating summary drifted",
			zap.Int64("store_id", rec.StoreID),
			zap.Int64("count_before", rec.Before.Count),
			zap.Float64("total_before", rec.Before.Total),
			zap.Int64("count_after", rec.After.Count),
			zap.Float64("total_after", rec.After.Total))
		if w.invalidator != nil {
			if ierr := w.invalidator.Invalidate(ctx, rec.StoreID); ierr != nil {
				w.logger.Warn("cache invalidation failed", zap.Int64("store_id", rec.StoreID), zap.Error(ierr))
			}
		}
	}

	if err != nil {
		w.logger.Error("reconcile pass failed", zap.Int("checked", checked), zap.Error(err))
		return pass, err
	}
	w.logger.Debug("reconcile pass finished",
		zap.Int("checked", checked),
		zap.Int("drifted", len(drifted)),
		zap.Duration("elapsed", elapsed))
	return pass, nil
}
