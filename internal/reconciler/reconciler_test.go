package reconciler

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/store"
	"github.com/splax/launchpad/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRepo(t *testing.T) (*store.FileRepository, *store.FileStore) {
	t.Helper()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0, discardLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return store.NewFileRepository(fs, ""), fs
}

func TestSweepHealsAbandonedBuild(t *testing.T) {
	repo, fs := newRepo(t)
	ctx := context.Background()

	record, _, err := repo.CreateOrGet(ctx, store.NewRecord("ana", "shop", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	record.Status = domain.StatusBuilding
	if err := repo.Update(ctx, record); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// Age the record well past the staleness cutoff.
	fs.Mutate(func(snap *store.Snapshot) {
		snap.Deployments[record.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	})

	r := New(repo, config.ReconcilerConfig{Interval: time.Minute, StaleAfter: 30 * time.Minute}, discardLogger())
	if healed := r.Sweep(ctx); healed != 1 {
		t.Fatalf("expected one healed record, got %d", healed)
	}

	got, err := repo.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed status after healing, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("expected an explanatory error message")
	}
}

func TestSweepLeavesFreshAndTerminalRecordsAlone(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	building, _, err := repo.CreateOrGet(ctx, store.NewRecord("ana", "fresh", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	building.Status = domain.StatusBuilding
	if err := repo.Update(ctx, building); err != nil {
		t.Fatalf("Update: %v", err)
	}

	live, _, err := repo.CreateOrGet(ctx, store.NewRecord("ana", "done", "ref", "", nil))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	live.Status = domain.StatusLive
	if err := repo.Update(ctx, live); err != nil {
		t.Fatalf("Update: %v", err)
	}

	r := New(repo, config.ReconcilerConfig{Interval: time.Minute, StaleAfter: 30 * time.Minute}, discardLogger())
	if healed := r.Sweep(ctx); healed != 0 {
		t.Fatalf("expected nothing healed, got %d", healed)
	}

	got, _ := repo.Get(ctx, building.ID)
	if got.Status != domain.StatusBuilding {
		t.Fatalf("fresh building record must be untouched, got %s", got.Status)
	}
}
