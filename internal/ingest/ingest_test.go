package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/datashield/vault/internal/catalog"
	vaulterrors "github.com/datashield/vault/pkg/errors"
)

type fakeStore struct {
	mu       sync.Mutex
	put      map[string][]byte
	deleted  map[string]bool
	putErr   error
	deleteErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{put: make(map[string][]byte), deleted: make(map[string]bool)}
}

func (s *fakeStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put[key] = data
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) (bool, error) {
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := s.deleted[key]
	s.deleted[key] = true
	return !existed, nil
}

type passthroughBreaker struct{}

func (passthroughBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type fakeCatalog struct {
	mu        sync.Mutex
	presets   map[string]*string
	created   map[string]bool
	replaced  []string
	tombstoned []string
	replaceErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{presets: make(map[string]*string), created: make(map[string]bool)}
}

func (c *fakeCatalog) UpsertCollection(ctx context.Context, name string, presetSecret *string) (*catalog.Collection, *string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created[name] {
		return &catalog.Collection{Name: name}, nil, nil
	}
	c.created[name] = true
	if presetSecret != nil {
		return &catalog.Collection{Name: name}, nil, nil
	}
	generated := "generated-secret"
	return &catalog.Collection{Name: name}, &generated, nil
}

func (c *fakeCatalog) ReplaceObject(ctx context.Context, collection, name, objectKey, hashSHA256 string, sizeBytes int64) error {
	if c.replaceErr != nil {
		return c.replaceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced = append(c.replaced, collection+"/"+name)
	return nil
}

func (c *fakeCatalog) Tombstone(ctx context.Context, collection, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tombstoned = append(c.tombstoned, collection+"/"+name)
	return true, nil
}

type fakeCoordinator struct {
	mu       sync.Mutex
	released []string
}

func (c *fakeCoordinator) Release(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, path)
}

func TestIngest_NewCollectionWritesGeneratedKey(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-a"), 0o755)
	filePath := filepath.Join(root, "tenant-a", "report.txt")
	os.WriteFile(filePath, []byte("hello world"), 0o644)

	store := newFakeStore()
	cat := newFakeCatalog()
	coord := &fakeCoordinator{}
	w := New(root, cat, store, passthroughBreaker{}, coord, nil)

	if err := w.Ingest(context.Background(), filePath); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	keyContent, err := os.ReadFile(filepath.Join(root, "tenant-a", KeyFileName))
	if err != nil {
		t.Fatalf("expected generated key file, got error: %v", err)
	}
	if string(keyContent) != "generated-secret" {
		t.Errorf("unexpected key content: %q", keyContent)
	}

	if len(cat.replaced) != 1 || cat.replaced[0] != "tenant-a/report.txt" {
		t.Errorf("expected ReplaceObject to be called once for tenant-a/report.txt, got %v", cat.replaced)
	}

	want := sha256.Sum256([]byte("hello world"))
	stored, ok := store.put["tenant-a/report.txt"]
	if !ok {
		t.Fatal("expected object to be stored")
	}
	if hex.EncodeToString(want[:]) == "" || string(stored) != "hello world" {
		t.Errorf("stored content mismatch: %q", stored)
	}

	if len(coord.released) != 1 || coord.released[0] != filePath {
		t.Errorf("expected coordinator release for path, got %v", coord.released)
	}
}

func TestIngest_ExistingCollectionWithPresetKeyDoesNotOverwrite(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-b"), 0o755)
	os.WriteFile(filepath.Join(root, "tenant-b", KeyFileName), []byte("preset-secret\n"), 0o600)
	filePath := filepath.Join(root, "tenant-b", "data.bin")
	os.WriteFile(filePath, []byte("payload"), 0o644)

	store := newFakeStore()
	cat := newFakeCatalog()
	w := New(root, cat, store, passthroughBreaker{}, &fakeCoordinator{}, nil)

	if err := w.Ingest(context.Background(), filePath); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(root, "tenant-b", KeyFileName))
	if err != nil || string(content) != "preset-secret\n" {
		t.Errorf("expected preset key file to be left untouched, got %q, err %v", content, err)
	}
}

func TestIngest_SkipsKeyFileItself(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-c"), 0o755)
	keyPath := filepath.Join(root, "tenant-c", KeyFileName)
	os.WriteFile(keyPath, []byte("secret"), 0o600)

	cat := newFakeCatalog()
	coord := &fakeCoordinator{}
	w := New(root, cat, newFakeStore(), passthroughBreaker{}, coord, nil)

	if err := w.Ingest(context.Background(), keyPath); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(cat.replaced) != 0 {
		t.Error("expected the key file itself to never be treated as an ingestible object")
	}
	if len(coord.released) != 1 {
		t.Error("expected the in-flight slot to still be released")
	}
}

func TestIngest_PutFailureReleasesSlotWithoutCatalogWrite(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-d"), 0o755)
	filePath := filepath.Join(root, "tenant-d", "f.txt")
	os.WriteFile(filePath, []byte("x"), 0o644)

	store := newFakeStore()
	store.putErr = errors.New("put failed")
	cat := newFakeCatalog()
	coord := &fakeCoordinator{}
	w := New(root, cat, store, passthroughBreaker{}, coord, nil)

	if err := w.Ingest(context.Background(), filePath); err == nil {
		t.Fatal("expected an error from a failing Put")
	}
	if len(cat.replaced) != 0 {
		t.Error("expected no ReplaceObject call after a failed Put")
	}
	if len(coord.released) != 1 {
		t.Error("expected the in-flight slot to be released even on failure")
	}
}

func TestDelete_TombstonesAndToleratesNotFound(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "tenant-e"), 0o755)
	filePath := filepath.Join(root, "tenant-e", "gone.txt")

	store := newFakeStore()
	store.deleteErr = vaulterrors.NotFound("object", "tenant-e/gone.txt")
	cat := newFakeCatalog()
	coord := &fakeCoordinator{}
	w := New(root, cat, store, passthroughBreaker{}, coord, nil)

	if err := w.Delete(context.Background(), filePath); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(cat.tombstoned) != 1 || cat.tombstoned[0] != "tenant-e/gone.txt" {
		t.Errorf("expected tombstone for tenant-e/gone.txt, got %v", cat.tombstoned)
	}
	if len(coord.released) != 1 {
		t.Error("expected the in-flight slot to be released")
	}
}

func TestParsePath_RejectsEscape(t *testing.T) {
	root := t.TempDir()
	w := New(root, nil, nil, nil, nil, nil)
	if _, _, err := w.ParsePath(filepath.Join(root, "..", "outside.txt")); err == nil {
		t.Error("expected an error for a path escaping the collections root")
	}
}

func TestParsePath_SplitsNestedNames(t *testing.T) {
	root := t.TempDir()
	w := New(root, nil, nil, nil, nil, nil)
	collection, name, err := w.ParsePath(filepath.Join(root, "tenant-f", "sub", "deep.txt"))
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	if collection != "tenant-f" || name != filepath.Join("sub", "deep.txt") {
		t.Errorf("got collection=%q name=%q", collection, name)
	}
}
