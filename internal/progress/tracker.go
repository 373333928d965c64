// Package progress is the single point that turns raw status/progress
// signals into monotonic, status-locked stage events and fans them out to
// listeners.
package progress

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
)

// Listener receives stage events. A listener's failure is isolated: logged,
// never propagated, never aborts the pipeline.
type Listener interface {
	OnStageEvent(ctx context.Context, event domain.StageEvent) error
}

// Tracker enforces the progress discipline for one deployment run.
type Tracker struct {
	deploymentID string
	logger       *slog.Logger
	listeners    []Listener
	now          func() time.Time

	mu     sync.Mutex
	stages map[domain.StageID]*stageProgress
}

type stageProgress struct {
	status   domain.StageStatus
	progress int
}

// NewTracker constructs a Tracker fanning out to the given listeners.
func NewTracker(deploymentID string, logger *slog.Logger, listeners ...Listener) *Tracker {
	return &Tracker{
		deploymentID: deploymentID,
		logger:       logger,
		listeners:    listeners,
		now:          time.Now,
		stages:       make(map[domain.StageID]*stageProgress),
	}
}

// Report ingests a raw signal and emits a normalized event. Invariants
// enforced here, not at call sites:
//   - terminal-status lock: once success/error, later in-progress reports
//     are coerced back to the recorded terminal status
//   - progress clamped to [0,100] and non-decreasing within a stage
//   - success forces progress 100
func (t *Tracker) Report(ctx context.Context, stage domain.StageID, status domain.StageStatus, message string, progress int, details ...string) {
	t.mu.Lock()
	state, ok := t.stages[stage]
	if !ok {
		state = &stageProgress{status: domain.StageWaiting}
		t.stages[stage] = state
	}

	if state.status.Terminal() && !status.Terminal() {
		status = state.status
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress < state.progress {
		progress = state.progress
	}
	if status == domain.StageSuccess {
		progress = 100
	}
	state.status = status
	state.progress = progress
	t.mu.Unlock()

	event := domain.StageEvent{
		DeploymentID: t.deploymentID,
		Stage:        stage,
		Status:       status,
		Progress:     progress,
		Message:      message,
		Details:      details,
		Timestamp:    t.now().UTC(),
	}
	t.fanOut(ctx, event)
}

func (t *Tracker) fanOut(ctx context.Context, event domain.StageEvent) {
	for _, listener := range t.listeners {
		if err := listener.OnStageEvent(ctx, event); err != nil && t.logger != nil {
			t.logger.Warn("stage listener failed",
				"deployment_id", event.DeploymentID,
				"stage", event.Stage,
				"error", err)
		}
	}
}

// Status returns the tracked status for a stage.
func (t *Tracker) Status(stage domain.StageID) domain.StageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.stages[stage]; ok {
		return state.status
	}
	return domain.StageWaiting
}
