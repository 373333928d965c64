package progress

import (
	"context"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/store"
)

// StoreListener persists stage events into the deployment record. Detail
// lines from the build and deploy stages also land in the append-only
// build log.
type StoreListener struct {
	Repo store.Repository
}

func (l StoreListener) OnStageEvent(ctx context.Context, event domain.StageEvent) error {
	if err := l.Repo.ApplyStageEvent(ctx, event); err != nil {
		return err
	}
	if len(event.Details) == 0 {
		return nil
	}
	switch event.Stage {
	case domain.StageContainerBuild, domain.StageCloudDeployment:
		return l.Repo.AppendBuildLogs(ctx, event.DeploymentID, event.Details)
	}
	return nil
}

// LogListener mirrors stage events into the structured log.
type LogListener struct {
	Logger *slog.Logger
}

func (l LogListener) OnStageEvent(_ context.Context, event domain.StageEvent) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("stage progress",
		"deployment_id", event.DeploymentID,
		"stage", event.Stage,
		"status", event.Status,
		"progress", event.Progress,
		"message", event.Message)
	return nil
}
