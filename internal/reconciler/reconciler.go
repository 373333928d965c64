// Package reconciler heals deployments orphaned by a crashed engine. A
// record stuck in a non-terminal working status with no recent writes is
// marked failed so the control surface never shows a zombie build.
package reconciler

import (
	"context"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/store"
	"github.com/splax/launchpad/pkg/config"
)

// workingStatuses are the states an active pipeline run passes through.
var workingStatuses = []domain.Status{domain.StatusBuilding, domain.StatusDeploying}

// Reconciler periodically sweeps for stale in-flight deployments.
type Reconciler struct {
	repo   store.Repository
	cfg    config.ReconcilerConfig
	logger *slog.Logger
}

// New constructs a Reconciler.
func New(repo store.Repository, cfg config.ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &Reconciler{repo: repo, cfg: cfg, logger: logger}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass and returns how many records were
// healed. Healing is freshness-gated: a run that wrote after our read wins.
func (r *Reconciler) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
	stale, err := r.repo.ListStale(ctx, workingStatuses, cutoff)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("stale deployment scan failed", "error", err)
		}
		return 0
	}

	healed := 0
	for _, record := range stale {
		ok, err := r.repo.Heal(ctx, record.ID, record.UpdatedAt, domain.StatusFailed,
			"deployment abandoned: engine stopped mid-run")
		if err != nil {
			if r.logger != nil {
				r.logger.Error("heal failed", "deployment_id", record.ID, "error", err)
			}
			continue
		}
		if ok {
			healed++
			if r.logger != nil {
				r.logger.Info("healed abandoned deployment",
					"deployment_id", record.ID,
					"previous_status", record.Status,
					"stale_since", record.UpdatedAt)
			}
		}
	}
	return healed
}
