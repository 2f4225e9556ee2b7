package syncbarrier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datashield/vault/internal/catalog"
)

type fakeCatalog struct {
	objects map[string][]catalog.Object
}

func (c *fakeCatalog) ListObjects(ctx context.Context, collection string) ([]catalog.Object, error) {
	return c.objects[collection], nil
}

type fakeCoordinator struct {
	inFlight []string
}

func (c *fakeCoordinator) InFlightUnder(prefix string) []string {
	var out []string
	for _, p := range c.inFlight {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, p)
		}
	}
	return out
}

func TestSnapshot_SyncedWhenFolderAndDBMatch(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "a.txt"), []byte("x"), 0o644)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{
		"tenant-a": {{Name: "a.txt"}},
	}}
	b := New(root, cat, &fakeCoordinator{})

	snap, err := b.Snapshot(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !snap.Synced {
		t.Errorf("expected synced, got %+v", snap)
	}
}

func TestSnapshot_MissingFileNotSynced(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "a.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "tenant-a", "b.txt"), []byte("y"), 0o644)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{
		"tenant-a": {{Name: "a.txt"}},
	}}
	b := New(root, cat, &fakeCoordinator{})

	snap, err := b.Snapshot(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Synced {
		t.Error("expected not synced when a folder file has no catalog row")
	}
	if len(snap.Missing) != 1 || snap.Missing[0] != "b.txt" {
		t.Errorf("expected only b.txt missing, got %v", snap.Missing)
	}
}

func TestSnapshot_InFlightFileExcludedFromMissing(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "a.txt"), []byte("x"), 0o644)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{}}
	coord := &fakeCoordinator{inFlight: []string{filepath.Join(root, "tenant-a", "a.txt")}}
	b := New(root, cat, coord)

	snap, err := b.Snapshot(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Missing) != 0 {
		t.Errorf("expected in-flight file to not count as missing, got %v", snap.Missing)
	}
	if snap.Synced {
		t.Error("expected not synced while a file is still processing")
	}
}

func TestSnapshot_HiddenAndKeyFilesIgnored(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", ".hidden"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "tenant-a", ".vault_key"), []byte("secret"), 0o600)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{}}
	b := New(root, cat, &fakeCoordinator{})

	snap, err := b.Snapshot(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !snap.Synced {
		t.Errorf("expected hidden/key files to be ignored entirely, got %+v", snap)
	}
}

func TestWaitForSync_ZeroTimeoutTakesOneSnapshot(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "a.txt"), []byte("x"), 0o644)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{}}
	b := New(root, cat, &fakeCoordinator{})

	start := time.Now()
	snap, err := b.WaitForSync(context.Background(), "tenant-a", 0)
	if err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("expected a zero timeout to return immediately")
	}
	if snap.Synced {
		t.Error("expected still-missing file to not be synced")
	}
}

func TestWaitForSync_ReturnsOnceCatalogCatchesUp(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "a.txt"), []byte("x"), 0o644)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{}}
	b := New(root, cat, &fakeCoordinator{})

	go func() {
		time.Sleep(600 * time.Millisecond)
		cat.objects["tenant-a"] = []catalog.Object{{Name: "a.txt"}}
	}()

	snap, err := b.WaitForSync(context.Background(), "tenant-a", 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}
	if !snap.Synced {
		t.Errorf("expected eventual sync, got %+v", snap)
	}
}

func TestWaitForSync_TimesOutWithoutError(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "a.txt"), []byte("x"), 0o644)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{}}
	b := New(root, cat, &fakeCoordinator{})

	snap, err := b.WaitForSync(context.Background(), "tenant-a", 800*time.Millisecond)
	if err != nil {
		t.Fatalf("expected no error on timeout, got %v", err)
	}
	if snap.Synced {
		t.Error("expected timeout snapshot to still report not synced")
	}
}

func TestPendingCount_CountsMissingFiles(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-a", "a.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "tenant-a", "b.txt"), []byte("y"), 0o644)

	cat := &fakeCatalog{objects: map[string][]catalog.Object{}}
	b := New(root, cat, &fakeCoordinator{})

	n, err := b.PendingCount(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pending files, got %d", n)
	}
}
