// Package ingest implements the ingestion worker and deletion worker
// (SPEC_FULL.md §4.E, §4.F): the pipelines that move a file observed on disk
// into the object store and catalog, and retract one that disappeared.
package ingest

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/datashield/vault/internal/catalog"
	vaulterrors "github.com/datashield/vault/pkg/errors"
)

// chunkSize is the buffer size used while streaming a file through SHA-256.
const chunkSize = 8 * 1024 * 1024

// KeyFileName is the per-collection file holding its shared secret.
const KeyFileName = ".vault_key"

// Store is the subset of the object store client the workers need.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) (bool, error)
}

// Breaker guards calls into the object store.
type Breaker interface {
	ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error
}

// Catalog is the subset of the catalog the workers need. UpsertCollection's
// second return value is non-nil only when it generated a fresh secret for a
// newly created collection.
type Catalog interface {
	UpsertCollection(ctx context.Context, name string, presetSecret *string) (*catalog.Collection, *string, error)
	ReplaceObject(ctx context.Context, collection, name, objectKey, hashSHA256 string, sizeBytes int64) error
	Tombstone(ctx context.Context, collection, name string) (bool, error)
}

// Coordinator releases a path's in-flight slot once a worker finishes with it.
type Coordinator interface {
	Release(path string)
}

// Worker wires the catalog, object store, circuit breaker and path
// coordinator together to run the ingestion and deletion pipelines.
type Worker struct {
	root        string
	catalog     Catalog
	store       Store
	breaker     Breaker
	coordinator Coordinator
	logger      *slog.Logger
}

// New builds a Worker rooted at collectionsRoot, the directory containing one
// subdirectory per collection.
func New(collectionsRoot string, catalog Catalog, store Store, breaker Breaker, coordinator Coordinator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		root:        collectionsRoot,
		catalog:     catalog,
		store:       store,
		breaker:     breaker,
		coordinator: coordinator,
		logger:      logger,
	}
}

// ParsePath splits an absolute path under the collections root into its
// collection and name components. name may contain further path separators
// for files nested below the collection directory.
func (w *Worker) ParsePath(path string) (collection, name string, err error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", "", fmt.Errorf("path %q is not under collections root %q: %w", path, w.root, err)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", "", fmt.Errorf("path %q escapes collections root %q", path, w.root)
	}

	parts := strings.SplitN(rel, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("path %q does not resolve to a collection member", path)
	}
	return parts[0], parts[1], nil
}

// Ingest runs the ingestion pipeline for path (SPEC_FULL.md §4.E). It always
// releases the coordinator's in-flight slot for path, success or failure.
func (w *Worker) Ingest(ctx context.Context, path string) error {
	defer w.coordinator.Release(path)

	collection, name, err := w.ParsePath(path)
	if err != nil {
		return err
	}
	if name == KeyFileName {
		return nil
	}

	if err := w.ensureCollection(ctx, collection); err != nil {
		return fmt.Errorf("ensure collection %q: %w", collection, err)
	}

	hash, size, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("hash file %q: %w", path, err)
	}

	objectKey := collection + "/" + name
	putErr := w.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return w.store.Put(ctx, objectKey, bufio.NewReaderSize(f, chunkSize), size)
	})
	if putErr != nil {
		return vaulterrors.StoreFailure("put", objectKey, putErr)
	}

	if err := w.catalog.ReplaceObject(ctx, collection, name, objectKey, hash, size); err != nil {
		return fmt.Errorf("replace object %s/%s: %w", collection, name, err)
	}

	w.logger.Info("ingested object", "collection", collection, "name", name, "size_bytes", size)
	return nil
}

// Delete runs the deletion pipeline for path (SPEC_FULL.md §4.F). The caller
// is expected to have already re-checked that path is absent from disk.
func (w *Worker) Delete(ctx context.Context, path string) error {
	defer w.coordinator.Release(path)

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	collection, name, err := w.ParsePath(path)
	if err != nil {
		return err
	}
	if name == KeyFileName {
		return nil
	}

	objectKey := collection + "/" + name
	delErr := w.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		_, err := w.store.Delete(ctx, objectKey)
		return err
	})
	if delErr != nil && vaulterrors.KindOf(delErr) != vaulterrors.KindNotFound {
		return vaulterrors.StoreFailure("delete", objectKey, delErr)
	}

	if _, err := w.catalog.Tombstone(ctx, collection, name); err != nil {
		return fmt.Errorf("tombstone %s/%s: %w", collection, name, err)
	}

	w.logger.Info("deleted object", "collection", collection, "name", name)
	return nil
}

// ensureCollection registers the collection if it is new, reading a
// pre-existing .vault_key as the preset secret when present.
func (w *Worker) ensureCollection(ctx context.Context, collection string) error {
	dir := filepath.Join(w.root, collection)
	keyPath := filepath.Join(dir, KeyFileName)

	var preset *string
	if content, err := os.ReadFile(keyPath); err == nil {
		s := strings.TrimSpace(string(content))
		preset = &s
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	_, generated, err := w.catalog.UpsertCollection(ctx, collection, preset)
	if err != nil {
		return err
	}
	if generated == nil {
		return nil
	}
	return os.WriteFile(keyPath, []byte(*generated), 0o600)
}

// hashFile streams path through SHA-256 in chunkSize-sized reads, returning
// the hex digest and the total bytes read.
func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
