// Package watcher implements the watcher and startup scanner (SPEC_FULL.md
// §4.G, §4.H): a polling observer over the collections root that dispatches
// create/modify/delete events through the path coordinator onto the
// ingestion and deletion workers.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/datashield/vault/internal/catalog"
	"github.com/datashield/vault/internal/ingest"
)

// KeyFileName is the per-collection secret file; its own changes never count
// as ingestion.
const KeyFileName = ingest.KeyFileName

// Config holds the watcher's tunables.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

// DefaultConfig returns the spec's default: a 5s poll interval.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, Concurrency: 4}
}

// Coordinator is the subset of coordinator.Coordinator the watcher needs.
type Coordinator interface {
	AdmitCreateOrModify(path string, now time.Time) bool
	AdmitDelete(path string, now time.Time) bool
}

// IngestWorker is the subset of ingest.Worker the watcher dispatches onto.
type IngestWorker interface {
	Ingest(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
}

// Catalog is the subset of catalog.Catalog the watcher needs directly, for
// directory-created events and .vault_key modifications.
type Catalog interface {
	UpsertCollection(ctx context.Context, name string, presetSecret *string) (*catalog.Collection, *string, error)
	SetSecret(ctx context.Context, name, secret string) (bool, error)
}

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
)

type snapshotEntry struct {
	kind    entryKind
	modTime time.Time
	size    int64
}

// Watcher polls the collections root on a dedicated goroutine and hands
// observed events off to a bounded worker pool.
type Watcher struct {
	root        string
	config      Config
	coordinator Coordinator
	worker      IngestWorker
	catalog     Catalog
	logger      *slog.Logger

	mu        sync.Mutex
	snapshot  map[string]snapshotEntry
	haveFirst bool

	running       atomic.Bool
	heartbeatNano atomic.Int64
	lastEventNano atomic.Int64

	pool   *pool.ContextPool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Watcher rooted at collectionsRoot.
func New(config Config, collectionsRoot string, coordinator Coordinator, worker IngestWorker, catalog Catalog, logger *slog.Logger) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:        collectionsRoot,
		config:      config,
		coordinator: coordinator,
		worker:      worker,
		catalog:     catalog,
		logger:      logger,
		snapshot:    make(map[string]snapshotEntry),
	}
}

// Scan runs the startup scanner (SPEC_FULL.md §4.H): for each immediate
// child directory of the collections root it ensures the collection exists,
// then enqueues an ingestion for every regular file directly under it,
// skipping hidden files and the key file. It blocks until every ingestion
// has been attempted, and must complete before Start is called.
func (w *Watcher) Scan(ctx context.Context) error {
	collections, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("scan collections root %q: %w", w.root, err)
	}

	p := pool.New().WithMaxGoroutines(w.config.Concurrency).WithContext(ctx)

	for _, col := range collections {
		if !col.IsDir() {
			continue
		}
		name := col.Name()
		if err := w.ensureCollection(ctx, name); err != nil {
			return fmt.Errorf("ensure collection %q: %w", name, err)
		}

		files, err := os.ReadDir(filepath.Join(w.root, name))
		if err != nil {
			return fmt.Errorf("scan collection %q: %w", name, err)
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") || f.Name() == KeyFileName {
				continue
			}
			path := filepath.Join(w.root, name, f.Name())
			p.Go(func(ctx context.Context) error {
				if err := w.worker.Ingest(ctx, path); err != nil {
					w.logger.Error("startup scan ingestion failed", "path", path, "error", err)
				}
				return nil
			})
		}
	}

	if err := p.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	w.haveFirst = false
	w.mu.Unlock()
	w.takeSnapshot()
	return nil
}

func (w *Watcher) readPresetKey(collection string) *string {
	content, err := os.ReadFile(filepath.Join(w.root, collection, KeyFileName))
	if err != nil {
		return nil
	}
	s := strings.TrimSpace(string(content))
	return &s
}

// ensureCollection registers collection if it is new, writing a freshly
// generated secret to its key file when no preset one was found on disk.
func (w *Watcher) ensureCollection(ctx context.Context, collection string) error {
	_, generated, err := w.catalog.UpsertCollection(ctx, collection, w.readPresetKey(collection))
	if err != nil {
		return err
	}
	if generated == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(w.root, collection, KeyFileName), []byte(*generated), 0o600)
}

// Start arms the watcher: it launches the polling goroutine and the worker
// pool events are dispatched to. Scan must have already completed.
func (w *Watcher) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return nil
	}
	w.pool = pool.New().WithMaxGoroutines(w.config.Concurrency).WithContext(ctx)
	w.stopCh = make(chan struct{})
	w.heartbeatNano.Store(time.Now().UnixNano())

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop signals the poll loop to exit and waits for in-flight jobs to drain.
func (w *Watcher) Stop() error {
	if !w.running.Swap(false) {
		return nil
	}
	close(w.stopCh)
	w.wg.Wait()
	if w.pool != nil {
		return w.pool.Wait()
	}
	return nil
}

// Running reports whether the watcher has been armed and not yet stopped.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// ObserverAlive reports whether the poll loop's goroutine has ticked
// recently. The supervisor restarts the watcher when this goes false while
// Running is true.
func (w *Watcher) ObserverAlive() bool {
	if !w.running.Load() {
		return false
	}
	last := time.Unix(0, w.heartbeatNano.Load())
	return time.Since(last) < 2*w.config.PollInterval
}

// LastEventTime reports when the most recent dispatched event occurred, for
// health.WatcherProbe.
func (w *Watcher) LastEventTime() time.Time {
	nano := w.lastEventNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeatNano.Store(time.Now().UnixNano())
			w.poll(ctx)
		}
	}
}

// poll takes a fresh listing of the collections root, diffs it against the
// previous snapshot, and dispatches events for every difference. The very
// first poll after construction (or after Scan) only establishes a baseline
// and dispatches nothing, so the startup scanner's work is never repeated.
func (w *Watcher) poll(ctx context.Context) {
	current, err := w.list()
	if err != nil {
		w.logger.Error("watcher poll failed", "error", err)
		return
	}

	w.mu.Lock()
	previous := w.snapshot
	first := !w.haveFirst
	w.snapshot = current
	w.haveFirst = true
	w.mu.Unlock()

	if first {
		return
	}

	for path, entry := range current {
		prev, existed := previous[path]
		if entry.kind == kindDir {
			if !existed {
				w.handleCollectionCreated(ctx, filepath.Base(path))
			}
			continue
		}
		if !existed || prev.modTime != entry.modTime || prev.size != entry.size {
			w.handleCreateOrModify(ctx, path)
		}
	}

	for path, entry := range previous {
		if entry.kind != kindFile {
			continue
		}
		if _, stillExists := current[path]; !stillExists {
			w.handleDelete(ctx, path)
		}
	}
}

func (w *Watcher) handleCollectionCreated(ctx context.Context, name string) {
	if err := w.ensureCollection(ctx, name); err != nil {
		w.logger.Error("upsert collection on directory creation failed", "collection", name, "error", err)
	}
}

func (w *Watcher) handleCreateOrModify(ctx context.Context, path string) {
	collection, name := w.splitPath(path)
	if collection == "" {
		return
	}
	if name == KeyFileName {
		w.handleKeyFileChanged(ctx, collection, path)
		return
	}
	if strings.HasPrefix(name, ".") {
		return
	}

	now := time.Now()
	if !w.coordinator.AdmitCreateOrModify(path, now) {
		return
	}
	w.lastEventNano.Store(now.UnixNano())

	w.pool.Go(func(ctx context.Context) error {
		if err := w.worker.Ingest(ctx, path); err != nil {
			w.logger.Error("ingestion failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) handleDelete(ctx context.Context, path string) {
	collection, name := w.splitPath(path)
	if collection == "" || name == KeyFileName || strings.HasPrefix(name, ".") {
		return
	}

	now := time.Now()
	if !w.coordinator.AdmitDelete(path, now) {
		return
	}
	w.lastEventNano.Store(now.UnixNano())

	w.pool.Go(func(ctx context.Context) error {
		if err := w.worker.Delete(ctx, path); err != nil {
			w.logger.Error("deletion failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) handleKeyFileChanged(ctx context.Context, collection, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		return
	}
	secret := strings.TrimSpace(string(content))
	if _, err := w.catalog.SetSecret(ctx, collection, secret); err != nil {
		w.logger.Error("set secret from key file failed", "collection", collection, "error", err)
		return
	}
	w.lastEventNano.Store(time.Now().UnixNano())
}

// splitPath returns the immediate child collection name and the path
// relative to that collection's directory, or ("", "") if path does not
// resolve under a collection.
func (w *Watcher) splitPath(path string) (collection, name string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", ""
	}
	rel = filepath.ToSlash(rel)
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

func (w *Watcher) takeSnapshot() {
	current, err := w.list()
	if err != nil {
		w.logger.Error("initial snapshot failed", "error", err)
		return
	}
	w.mu.Lock()
	w.snapshot = current
	w.haveFirst = true
	w.mu.Unlock()
}

// list walks the collections root one level recursive: immediate child
// directories are collections, and files directly under each are members.
func (w *Watcher) list() (map[string]snapshotEntry, error) {
	result := make(map[string]snapshotEntry)

	collections, err := os.ReadDir(w.root)
	if err != nil {
		return nil, err
	}
	for _, col := range collections {
		if !col.IsDir() {
			continue
		}
		colPath := filepath.Join(w.root, col.Name())
		result[colPath] = snapshotEntry{kind: kindDir}

		files, err := os.ReadDir(colPath)
		if err != nil {
			w.logger.Warn("could not list collection directory", "collection", col.Name(), "error", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			result[filepath.Join(colPath, f.Name())] = snapshotEntry{
				kind:    kindFile,
				modTime: info.ModTime(),
				size:    info.Size(),
			}
		}
	}
	return result, nil
}
