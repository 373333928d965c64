package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/pkg/crypto"
)

// ErrNotFound indicates the requested deployment record does not exist.
var ErrNotFound = errors.New("store: deployment not found")

// Repository is the explicit persistence object the orchestrator works
// against. A deployment record is single-writer (the owning pipeline run)
// except for the reconciler's freshness-gated healing writes.
type Repository interface {
	// CreateOrGet returns the record for owner+service, creating it when
	// absent. The boolean reports whether the record already existed.
	CreateOrGet(ctx context.Context, record *domain.DeploymentRecord) (*domain.DeploymentRecord, bool, error)
	Get(ctx context.Context, id string) (*domain.DeploymentRecord, error)
	FindByIdentity(ctx context.Context, owner, serviceName string) (*domain.DeploymentRecord, error)
	// Update replaces the stored record and stamps UpdatedAt.
	Update(ctx context.Context, record *domain.DeploymentRecord) error
	// ApplyStageEvent folds a stage event into the stored record. This is the
	// high-frequency path: writes may be debounced by the engine.
	ApplyStageEvent(ctx context.Context, event domain.StageEvent) error
	// AppendBuildLogs appends log lines to the record (debounced path).
	AppendBuildLogs(ctx context.Context, id string, lines []string) error
	// ListStale returns records whose status matches and whose UpdatedAt is
	// older than the cutoff. Used by the reconciler.
	ListStale(ctx context.Context, statuses []domain.Status, updatedBefore time.Time) ([]*domain.DeploymentRecord, error)
	// Heal applies a last-write-wins status correction gated on the record
	// not having been touched since seenUpdatedAt. Returns false when a
	// fresher write won.
	Heal(ctx context.Context, id string, seenUpdatedAt time.Time, status domain.Status, message string) (bool, error)
	// Purge hard-deletes a record. The only path that ever removes one.
	Purge(ctx context.Context, id string) error
	// Flush forces pending writes to durable storage. Always called at
	// terminal state transitions so the final outcome cannot be lost to
	// debouncing.
	Flush(ctx context.Context) error
}

// NewRecord builds a fresh pending record for an identity.
func NewRecord(owner, serviceName, repoRef, region string, envVars map[string]string) *domain.DeploymentRecord {
	now := time.Now().UTC()
	return &domain.DeploymentRecord{
		ID:          uuid.NewString(),
		Owner:       owner,
		ServiceName: serviceName,
		RepoRef:     repoRef,
		Region:      region,
		Status:      domain.StatusPending,
		EnvVars:     envVars,
		Stages:      domain.NewStages(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// FileRepository implements Repository on the snapshot FileStore.
type FileRepository struct {
	store  *FileStore
	secret string
}

// NewFileRepository wraps a FileStore. When secret is non-empty, env var
// values are AES-GCM encrypted at rest.
func NewFileRepository(store *FileStore, secret string) *FileRepository {
	return &FileRepository{store: store, secret: secret}
}

var _ Repository = (*FileRepository)(nil)

func (r *FileRepository) CreateOrGet(ctx context.Context, record *domain.DeploymentRecord) (*domain.DeploymentRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		out     *domain.DeploymentRecord
		existed bool
		encErr  error
	)
	r.store.Mutate(func(snap *Snapshot) {
		for _, existing := range snap.Deployments {
			if existing.Owner == record.Owner && existing.ServiceName == record.ServiceName {
				out = r.decrypt(existing.Clone())
				existed = true
				return
			}
		}
		stored := record.Clone()
		stored.EnvVars, encErr = crypto.EncryptEnvVars(r.secret, stored.EnvVars)
		if encErr != nil {
			return
		}
		snap.Deployments[stored.ID] = stored
		out = record.Clone()
	})
	if encErr != nil {
		return nil, false, encErr
	}
	if !existed {
		// New identities are flushed immediately so a crash cannot lose the
		// record's existence.
		if err := r.store.Flush(); err != nil {
			return nil, false, err
		}
	}
	return out, existed, nil
}

func (r *FileRepository) Get(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *domain.DeploymentRecord
	r.store.View(func(snap *Snapshot) {
		if record, ok := snap.Deployments[id]; ok {
			out = r.decrypt(record.Clone())
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (r *FileRepository) FindByIdentity(ctx context.Context, owner, serviceName string) (*domain.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *domain.DeploymentRecord
	r.store.View(func(snap *Snapshot) {
		for _, record := range snap.Deployments {
			if record.Owner == owner && record.ServiceName == serviceName {
				out = r.decrypt(record.Clone())
				return
			}
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (r *FileRepository) Update(ctx context.Context, record *domain.DeploymentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := record.Clone()
	stored.UpdatedAt = time.Now().UTC()
	var encErr error
	stored.EnvVars, encErr = crypto.EncryptEnvVars(r.secret, stored.EnvVars)
	if encErr != nil {
		return encErr
	}
	var found bool
	r.store.Mutate(func(snap *Snapshot) {
		if _, ok := snap.Deployments[stored.ID]; ok {
			snap.Deployments[stored.ID] = stored
			found = true
		}
	})
	if !found {
		return ErrNotFound
	}
	record.UpdatedAt = stored.UpdatedAt
	if stored.Status.Terminal() {
		return r.store.Flush()
	}
	return nil
}

func (r *FileRepository) ApplyStageEvent(ctx context.Context, event domain.StageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var found bool
	r.store.Mutate(func(snap *Snapshot) {
		record, ok := snap.Deployments[event.DeploymentID]
		if !ok {
			return
		}
		found = true
		stage := record.Stage(event.Stage)
		if stage == nil {
			record.Stages = append(record.Stages, domain.StageState{ID: event.Stage, Label: event.Stage.Label()})
			stage = &record.Stages[len(record.Stages)-1]
		}
		applyEvent(stage, event)
		record.UpdatedAt = event.Timestamp
	})
	if !found {
		return ErrNotFound
	}
	if event.Status.Terminal() {
		return r.store.Flush()
	}
	return nil
}

func applyEvent(stage *domain.StageState, event domain.StageEvent) {
	if stage.StartedAt == nil && event.Status == domain.StageInProgress {
		t := event.Timestamp
		stage.StartedAt = &t
	}
	stage.Status = event.Status
	stage.Progress = event.Progress
	if event.Message != "" {
		stage.Message = event.Message
	}
	if len(event.Details) > 0 {
		stage.Details = append(stage.Details, event.Details...)
	}
	if event.Status.Terminal() && stage.FinishedAt == nil {
		t := event.Timestamp
		stage.FinishedAt = &t
	}
}

func (r *FileRepository) AppendBuildLogs(ctx context.Context, id string, lines []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	var found bool
	r.store.Mutate(func(snap *Snapshot) {
		if record, ok := snap.Deployments[id]; ok {
			record.BuildLogs = append(record.BuildLogs, lines...)
			record.UpdatedAt = time.Now().UTC()
			found = true
		}
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

func (r *FileRepository) ListStale(ctx context.Context, statuses []domain.Status, updatedBefore time.Time) ([]*domain.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match := make(map[domain.Status]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}
	var out []*domain.DeploymentRecord
	r.store.View(func(snap *Snapshot) {
		for _, record := range snap.Deployments {
			if match[record.Status] && record.UpdatedAt.Before(updatedBefore) {
				out = append(out, r.decrypt(record.Clone()))
			}
		}
	})
	return out, nil
}

func (r *FileRepository) Heal(ctx context.Context, id string, seenUpdatedAt time.Time, status domain.Status, message string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var (
		found  bool
		healed bool
	)
	r.store.Mutate(func(snap *Snapshot) {
		record, ok := snap.Deployments[id]
		if !ok {
			return
		}
		found = true
		// Freshness gate: a concurrent writer that touched the record after
		// we observed it wins.
		if record.UpdatedAt.After(seenUpdatedAt) {
			return
		}
		record.Status = status
		record.ErrorMessage = message
		record.UpdatedAt = time.Now().UTC()
		healed = true
	})
	if !found {
		return false, ErrNotFound
	}
	if healed {
		return true, r.store.Flush()
	}
	return false, nil
}

func (r *FileRepository) Purge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var found bool
	r.store.Mutate(func(snap *Snapshot) {
		if _, ok := snap.Deployments[id]; ok {
			delete(snap.Deployments, id)
			found = true
		}
	})
	if !found {
		return ErrNotFound
	}
	return r.store.Flush()
}

func (r *FileRepository) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.store.Flush()
}

func (r *FileRepository) decrypt(record *domain.DeploymentRecord) *domain.DeploymentRecord {
	record.EnvVars = crypto.DecryptEnvVars(r.secret, record.EnvVars)
	return record
}
