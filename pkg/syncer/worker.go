package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/foureyes"
	"github.com/auditflow/deploywatch/pkg/githost"
)

// Dispatcher sends pending notifications. Satisfied by *notify.Dispatcher.
type Dispatcher interface {
	DispatchPending(ctx context.Context, limit int) (int, error)
}

// Worker is the background loop: periodic full syncs plus the maintenance
// sweeps (expired leases, legacy alerts, job retention, notifications).
type Worker struct {
	orchestrator *Orchestrator
	jobs         *JobStore
	alerts       *alerts.Store
	policies     *foureyes.PolicyWatcher
	dispatcher   Dispatcher
	cfg          *Config
	logger       *slog.Logger
}

// NewWorker creates the background sync worker. The dispatcher may be nil
// when notifications are disabled.
func NewWorker(orchestrator *Orchestrator, jobStore *JobStore, alertStore *alerts.Store,
	policies *foureyes.PolicyWatcher, dispatcher Dispatcher, cfg *Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Worker{
		orchestrator: orchestrator,
		jobs:         jobStore,
		alerts:       alertStore,
		policies:     policies,
		dispatcher:   dispatcher,
		cfg:          cfg,
		logger:       logger,
	}
}

// Run blocks until the context is cancelled. The first sync runs
// immediately; afterwards the loop ticks at the configured interval.
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.Enabled {
		w.logger.Info("sync worker disabled")
		return
	}
	w.logger.Info("sync worker starting",
		"interval", w.cfg.Interval.String(),
		"concurrency", w.cfg.Concurrency,
		"batchLimit", w.cfg.BatchLimit)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	summaries, err := w.orchestrator.SyncAll(ctx, w.cfg.BatchLimit)
	if err != nil {
		if githost.IsRateLimit(err) {
			w.logger.Warn("sync aborted by code host rate limit, deferring to next run", "error", err)
		} else {
			w.logger.Error("sync run failed", "error", err)
		}
	}
	var verified, failed int
	for _, s := range summaries {
		verified += s.Verified
		failed += s.Failed
	}
	if verified+failed > 0 {
		w.logger.Info("sync run finished", "applications", len(summaries),
			"verified", verified, "failed", failed)
	}

	w.sweep(ctx)
}

func (w *Worker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.policies.Current().LegacyCutoff())
	if closed, err := w.alerts.AutoResolveLegacy(ctx, cutoff); err != nil {
		w.logger.Error("legacy alert sweep failed", "error", err)
	} else if closed > 0 {
		w.logger.Info("auto-resolved legacy alerts", "count", closed)
	}

	retention := time.Now().AddDate(0, 0, -w.cfg.RetentionDays)
	if deleted, err := w.jobs.DeleteOlderThan(ctx, retention); err != nil {
		w.logger.Error("job retention sweep failed", "error", err)
	} else if deleted > 0 {
		w.logger.Info("deleted old sync jobs", "count", deleted)
	}

	if w.dispatcher != nil {
		if sent, err := w.dispatcher.DispatchPending(ctx, w.cfg.BatchLimit); err != nil {
			w.logger.Error("notification dispatch failed", "error", err)
		} else if sent > 0 {
			w.logger.Info("dispatched notifications", "count", sent)
		}
	}
}
