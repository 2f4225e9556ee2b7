package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/datashield/vault/internal/catalog"
)

type fakeCoordinator struct {
	mu      sync.Mutex
	admitted []string
	deletes []string
}

func (c *fakeCoordinator) AdmitCreateOrModify(path string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitted = append(c.admitted, path)
	return true
}

func (c *fakeCoordinator) AdmitDelete(path string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, path)
	return true
}

type fakeWorker struct {
	mu       sync.Mutex
	ingested []string
	deleted  []string
}

func (w *fakeWorker) Ingest(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ingested = append(w.ingested, path)
	return nil
}

func (w *fakeWorker) Delete(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleted = append(w.deleted, path)
	return nil
}

func (w *fakeWorker) snapshotIngested() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.ingested))
	copy(out, w.ingested)
	return out
}

type fakeCatalog struct {
	mu      sync.Mutex
	created []string
	secrets map[string]string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{secrets: make(map[string]string)}
}

func (c *fakeCatalog) UpsertCollection(ctx context.Context, name string, presetSecret *string) (*catalog.Collection, *string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, name)
	return &catalog.Collection{Name: name}, nil, nil
}

func (c *fakeCatalog) SetSecret(ctx context.Context, name, secret string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[name] = secret
	return true, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestScan_EnsuresCollectionsAndIngestsVisibleFiles(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "f1.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(root, "tenant-a", "f2.txt"), []byte("b"), 0o644)
	os.WriteFile(filepath.Join(root, "tenant-a", ".hidden"), []byte("c"), 0o644)
	os.WriteFile(filepath.Join(root, "tenant-a", KeyFileName), []byte("secret"), 0o600)

	coord := &fakeCoordinator{}
	worker := &fakeWorker{}
	cat := newFakeCatalog()
	w := New(DefaultConfig(), root, coord, worker, cat, nil)

	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if !contains(cat.created, "tenant-a") {
		t.Errorf("expected UpsertCollection for tenant-a, got %v", cat.created)
	}

	ingested := worker.snapshotIngested()
	if !contains(ingested, filepath.Join(root, "tenant-a", "f1.txt")) {
		t.Error("expected f1.txt to be ingested")
	}
	if !contains(ingested, filepath.Join(root, "tenant-a", "f2.txt")) {
		t.Error("expected f2.txt to be ingested")
	}
	if contains(ingested, filepath.Join(root, "tenant-a", ".hidden")) {
		t.Error("expected hidden file to be skipped")
	}
	if contains(ingested, filepath.Join(root, "tenant-a", KeyFileName)) {
		t.Error("expected key file to be skipped")
	}
}

func TestPoll_FirstPollEstablishesBaselineOnly(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "existing.txt"), []byte("x"), 0o644)

	coord := &fakeCoordinator{}
	worker := &fakeWorker{}
	cat := newFakeCatalog()
	w := New(DefaultConfig(), root, coord, worker, cat, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w.poll(ctx)
	w.Stop()

	if len(worker.snapshotIngested()) != 0 {
		t.Error("expected the first poll to dispatch nothing")
	}
}

func TestPoll_DetectsNewFileAndDispatchesIngestion(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)

	coord := &fakeCoordinator{}
	worker := &fakeWorker{}
	cat := newFakeCatalog()
	w := New(DefaultConfig(), root, coord, worker, cat, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.poll(ctx) // baseline

	newFile := filepath.Join(root, "tenant-a", "new.txt")
	os.WriteFile(newFile, []byte("new"), 0o644)
	w.poll(ctx)
	w.Stop()

	if !contains(worker.snapshotIngested(), newFile) {
		t.Errorf("expected %q to be ingested after appearing, got %v", newFile, worker.ingested)
	}
}

func TestPoll_DetectsDeletedFileAndDispatchesDeletion(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	gone := filepath.Join(root, "tenant-a", "gone.txt")
	os.WriteFile(gone, []byte("x"), 0o644)

	coord := &fakeCoordinator{}
	worker := &fakeWorker{}
	cat := newFakeCatalog()
	w := New(DefaultConfig(), root, coord, worker, cat, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.poll(ctx) // baseline

	os.Remove(gone)
	w.poll(ctx)
	w.Stop()

	worker.mu.Lock()
	defer worker.mu.Unlock()
	if !contains(worker.deleted, gone) {
		t.Errorf("expected %q to be deleted after disappearing, got %v", gone, worker.deleted)
	}
}

func TestPoll_DetectsNewCollectionDirectory(t *testing.T) {
	root := t.TempDir()

	coord := &fakeCoordinator{}
	worker := &fakeWorker{}
	cat := newFakeCatalog()
	w := New(DefaultConfig(), root, coord, worker, cat, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.poll(ctx) // baseline, root empty

	os.MkdirAll(filepath.Join(root, "tenant-new"), 0o755)
	w.poll(ctx)
	w.Stop()

	if !contains(cat.created, "tenant-new") {
		t.Errorf("expected UpsertCollection for tenant-new, got %v", cat.created)
	}
}

func TestPoll_KeyFileModificationUpdatesSecretNotIngestion(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	keyPath := filepath.Join(root, "tenant-a", KeyFileName)
	os.WriteFile(keyPath, []byte("first"), 0o600)

	coord := &fakeCoordinator{}
	worker := &fakeWorker{}
	cat := newFakeCatalog()
	w := New(DefaultConfig(), root, coord, worker, cat, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.poll(ctx) // baseline

	os.WriteFile(keyPath, []byte("second"), 0o600)
	w.poll(ctx)
	w.Stop()

	cat.mu.Lock()
	defer cat.mu.Unlock()
	if cat.secrets["tenant-a"] != "second" {
		t.Errorf("expected secret update to 'second', got %q", cat.secrets["tenant-a"])
	}
	if len(worker.snapshotIngested()) != 0 {
		t.Error("expected key file change to never be treated as ingestion")
	}
}

func TestRunning_ReflectsStartStop(t *testing.T) {
	root := t.TempDir()
	w := New(DefaultConfig(), root, &fakeCoordinator{}, &fakeWorker{}, newFakeCatalog(), nil)

	if w.Running() {
		t.Error("expected Running() to be false before Start")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	if !w.Running() {
		t.Error("expected Running() to be true after Start")
	}
	w.Stop()
	if w.Running() {
		t.Error("expected Running() to be false after Stop")
	}
}
