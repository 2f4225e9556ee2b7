// Package syncbarrier implements the sync barrier (SPEC_FULL.md §4.I): the
// check that tells a caller whether a collection's on-disk files and
// catalog rows currently agree, with an optional bounded wait.
package syncbarrier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datashield/vault/internal/catalog"
	"github.com/datashield/vault/internal/ingest"
)

// MaxTimeout is the upper bound on a caller-supplied wait.
const MaxTimeout = 300 * time.Second

// DefaultTimeout is used by list endpoints that don't specify one.
const DefaultTimeout = 30 * time.Second

// pollInterval is how often WaitForSync rechecks while waiting.
const pollInterval = 500 * time.Millisecond

// Catalog is the subset of catalog.Catalog the barrier needs.
type Catalog interface {
	ListObjects(ctx context.Context, collection string) ([]catalog.Object, error)
}

// Coordinator is the subset of coordinator.Coordinator the barrier needs.
type Coordinator interface {
	InFlightUnder(prefix string) []string
}

// Snapshot is one point-in-time comparison of a collection's folder and
// catalog state.
type Snapshot struct {
	Collection  string
	FolderFiles []string
	DBFiles     []string
	Processing  []string
	Missing     []string
	Synced      bool
}

// Barrier computes and waits on sync snapshots for collections under root.
type Barrier struct {
	root        string
	catalog     Catalog
	coordinator Coordinator
}

// New builds a Barrier rooted at collectionsRoot.
func New(collectionsRoot string, catalog Catalog, coordinator Coordinator) *Barrier {
	return &Barrier{root: collectionsRoot, catalog: catalog, coordinator: coordinator}
}

// Snapshot computes a single point-in-time comparison without waiting.
func (b *Barrier) Snapshot(ctx context.Context, collection string) (Snapshot, error) {
	folderFiles, err := b.folderFiles(collection)
	if err != nil {
		return Snapshot{Collection: collection}, err
	}

	objects, err := b.catalog.ListObjects(ctx, collection)
	if err != nil {
		return Snapshot{Collection: collection}, err
	}
	dbFiles := make([]string, 0, len(objects))
	dbSet := make(map[string]struct{}, len(objects))
	for _, o := range objects {
		dbFiles = append(dbFiles, o.Name)
		dbSet[o.Name] = struct{}{}
	}

	prefix := filepath.Join(b.root, collection)
	var processing []string
	processingSet := make(map[string]struct{})
	for _, path := range b.coordinator.InFlightUnder(prefix) {
		name := b.relativeName(prefix, path)
		if name == "" {
			continue
		}
		processing = append(processing, name)
		processingSet[name] = struct{}{}
	}

	var missing []string
	for _, name := range folderFiles {
		if _, inDB := dbSet[name]; inDB {
			continue
		}
		if _, inFlight := processingSet[name]; inFlight {
			continue
		}
		missing = append(missing, name)
	}

	return Snapshot{
		Collection:  collection,
		FolderFiles: folderFiles,
		DBFiles:     dbFiles,
		Processing:  processing,
		Missing:     missing,
		Synced:      len(processing) == 0 && len(missing) == 0,
	}, nil
}

// WaitForSync polls every 500ms until the collection is synced or timeout
// elapses, clamped to [0, MaxTimeout]. It never returns a timeout error: the
// final snapshot's Synced field tells the caller whether it gave up waiting.
// A timeout of 0 takes exactly one snapshot.
func (b *Barrier) WaitForSync(ctx context.Context, collection string, timeout time.Duration) (Snapshot, error) {
	if timeout < 0 {
		timeout = 0
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	snap, err := b.Snapshot(ctx, collection)
	if err != nil || snap.Synced || timeout == 0 {
		return snap, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return snap, nil
		case <-ticker.C:
			snap, err = b.Snapshot(ctx, collection)
			if err != nil {
				return snap, err
			}
			if snap.Synced || time.Now().After(deadline) {
				return snap, nil
			}
		}
	}
}

// PendingCount reports how many folder files currently lack a matching
// catalog row, for health.SyncSource.
func (b *Barrier) PendingCount(ctx context.Context, collection string) (int, error) {
	snap, err := b.Snapshot(ctx, collection)
	if err != nil {
		return 0, err
	}
	return len(snap.Missing), nil
}

func (b *Barrier) folderFiles(collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == ingest.KeyFileName {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (b *Barrier) relativeName(prefix, path string) string {
	rel, err := filepath.Rel(prefix, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}
