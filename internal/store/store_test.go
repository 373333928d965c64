package store

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T, secret string) *FileRepository {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0, discardLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return NewFileRepository(fs, secret)
}

func TestCreateOrGetIsIdempotentPerIdentity(t *testing.T) {
	repo := newTestRepo(t, "")
	ctx := context.Background()

	first, existed, err := repo.CreateOrGet(ctx, NewRecord("ana", "shop", "https://example.com/shop.git", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if existed {
		t.Fatalf("expected first call to create the record")
	}

	second, existed, err := repo.CreateOrGet(ctx, NewRecord("ana", "shop", "https://example.com/shop.git", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet second call: %v", err)
	}
	if !existed {
		t.Fatalf("expected second call to find the existing record")
	}
	if first.ID != second.ID {
		t.Fatalf("expected one record per identity, got %s and %s", first.ID, second.ID)
	}
}

func TestUpdateUnknownRecordReturnsNotFound(t *testing.T) {
	repo := newTestRepo(t, "")
	record := NewRecord("ana", "shop", "ref", "", nil)
	if err := repo.Update(context.Background(), record); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnvVarsEncryptedAtRest(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0, discardLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	repo := NewFileRepository(fs, secret)
	ctx := context.Background()

	record, _, err := repo.CreateOrGet(ctx, NewRecord("ana", "shop", "ref", "", map[string]string{"API_KEY": "hunter2"}))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	// Raw snapshot must not contain the plaintext value.
	fs.View(func(snap *Snapshot) {
		stored := snap.Deployments[record.ID]
		if stored.EnvVars["API_KEY"] == "hunter2" {
			t.Fatalf("env var stored in plaintext")
		}
	})

	// The repository round-trips back to plaintext.
	got, err := repo.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EnvVars["API_KEY"] != "hunter2" {
		t.Fatalf("expected decrypted env var, got %q", got.EnvVars["API_KEY"])
	}
}

func TestApplyStageEventUpdatesStage(t *testing.T) {
	repo := newTestRepo(t, "")
	ctx := context.Background()
	record, _, err := repo.CreateOrGet(ctx, NewRecord("ana", "shop", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	now := time.Now().UTC()
	err = repo.ApplyStageEvent(ctx, domain.StageEvent{
		DeploymentID: record.ID,
		Stage:        domain.StageContainerBuild,
		Status:       domain.StageInProgress,
		Progress:     42,
		Message:      "Step 3/7 : RUN npm ci",
		Timestamp:    now,
	})
	if err != nil {
		t.Fatalf("ApplyStageEvent: %v", err)
	}

	got, err := repo.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	stage := got.Stage(domain.StageContainerBuild)
	if stage.Progress != 42 || stage.Status != domain.StageInProgress {
		t.Fatalf("stage not updated: %+v", stage)
	}
	if stage.StartedAt == nil {
		t.Fatalf("expected StartedAt stamped on first in-progress event")
	}
}

func TestHealRespectsFreshnessGate(t *testing.T) {
	repo := newTestRepo(t, "")
	ctx := context.Background()
	record, _, err := repo.CreateOrGet(ctx, NewRecord("ana", "shop", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	record.Status = domain.StatusBuilding
	if err := repo.Update(ctx, record); err != nil {
		t.Fatalf("Update: %v", err)
	}
	seen := record.UpdatedAt

	// A concurrent writer touches the record after our observation.
	record.Status = domain.StatusLive
	if err := repo.Update(ctx, record); err != nil {
		t.Fatalf("Update: %v", err)
	}

	healed, err := repo.Heal(ctx, record.ID, seen, domain.StatusFailed, "stale")
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if healed {
		t.Fatalf("expected heal to lose to the fresher write")
	}
	got, _ := repo.Get(ctx, record.ID)
	if got.Status != domain.StatusLive {
		t.Fatalf("expected live status preserved, got %s", got.Status)
	}

	// With an up-to-date observation the heal wins.
	healed, err = repo.Heal(ctx, record.ID, got.UpdatedAt, domain.StatusFailed, "stale")
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if !healed {
		t.Fatalf("expected heal to apply with fresh observation")
	}
}

func TestListStaleFiltersByStatusAndAge(t *testing.T) {
	repo := newTestRepo(t, "")
	ctx := context.Background()

	stale, _, err := repo.CreateOrGet(ctx, NewRecord("ana", "old", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	stale.Status = domain.StatusBuilding
	if err := repo.Update(ctx, stale); err != nil {
		t.Fatalf("Update: %v", err)
	}

	fresh, _, err := repo.CreateOrGet(ctx, NewRecord("ana", "new", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	fresh.Status = domain.StatusBuilding
	if err := repo.Update(ctx, fresh); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Age the first record past the cutoff directly in the snapshot.
	old := time.Now().UTC().Add(-time.Hour)
	repo.store.Mutate(func(snap *Snapshot) {
		snap.Deployments[stale.ID].UpdatedAt = old
	})

	records, err := repo.ListStale(ctx, []domain.Status{domain.StatusBuilding}, time.Now().UTC().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(records) != 1 || records[0].ID != stale.ID {
		t.Fatalf("expected only the aged building record, got %d records", len(records))
	}
}

func TestPurgeRemovesRecord(t *testing.T) {
	repo := newTestRepo(t, "")
	ctx := context.Background()
	record, _, err := repo.CreateOrGet(ctx, NewRecord("ana", "shop", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if err := repo.Purge(ctx, record.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := repo.Get(ctx, record.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
}
