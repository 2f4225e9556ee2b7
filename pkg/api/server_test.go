package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/datashield/vault/internal/catalog"
	"github.com/datashield/vault/internal/health"
	"github.com/datashield/vault/internal/syncbarrier"
)

type fakeCatalog struct {
	validKeys    map[string]string
	objects      map[string][]catalog.Object
	rotated      string
	deactivated  string
	deactivateOK bool
}

func (c *fakeCatalog) VerifyKey(ctx context.Context, name, secret string) (bool, error) {
	return c.validKeys[name] == secret, nil
}

func (c *fakeCatalog) GetObject(ctx context.Context, collection, name string) (*catalog.Object, error) {
	for _, o := range c.objects[collection] {
		if o.Name == name {
			found := o
			return &found, nil
		}
	}
	return nil, &notFoundErr{}
}

func (c *fakeCatalog) ListObjects(ctx context.Context, collection string) ([]catalog.Object, error) {
	return c.objects[collection], nil
}

func (c *fakeCatalog) RotateKey(ctx context.Context, name string) (string, error) {
	c.rotated = name
	return "new-secret", nil
}

func (c *fakeCatalog) DeactivateCollection(ctx context.Context, name string) (bool, error) {
	c.deactivated = name
	return c.deactivateOK, nil
}

func (c *fakeCatalog) PoolStats() health.PoolStats {
	return health.PoolStats{OpenConnections: 1, InUse: 0, Idle: 1}
}

func (c *fakeCatalog) ResetPool() {}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

type fakeStore struct {
	data map[string][]byte
}

func (s *fakeStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data[key])), nil
}

type fakeBarrier struct{}

func (b *fakeBarrier) WaitForSync(ctx context.Context, collection string, timeout time.Duration) (syncbarrier.Snapshot, error) {
	return syncbarrier.Snapshot{Collection: collection, Synced: true}, nil
}

type fakeAuthLimiter struct {
	blocked bool
}

func (l *fakeAuthLimiter) Allowed(clientIP, collection string, now time.Time) (bool, time.Duration) {
	if l.blocked {
		return false, 30 * time.Second
	}
	return true, 0
}

func (l *fakeAuthLimiter) RecordFailure(clientIP, collection string, now time.Time) {}
func (l *fakeAuthLimiter) RecordSuccess(clientIP, collection string)                {}

type fakeAuditor struct {
	status health.Status
}

func (a *fakeAuditor) SystemStatus() health.Status                    { return a.status }
func (a *fakeAuditor) LastResults() map[string]health.ProbeResult       { return nil }
func (a *fakeAuditor) LastSweep() map[string]health.Status              { return nil }

type fakeMetrics struct{}

func (m *fakeMetrics) WritePrometheusText() (string, error) { return "# metrics\n", nil }
func (m *fakeMetrics) WriteJSON() ([]byte, error)            { return []byte(`{}`), nil }

func newTestServer() (*Server, *fakeCatalog) {
	cat := &fakeCatalog{
		validKeys: map[string]string{"tenant-a": "secret-a"},
		objects: map[string][]catalog.Object{
			"tenant-a": {
				{Name: "a.txt", ObjectKey: "tenant-a/a.txt", HashSHA256: "deadbeef", SizeBytes: 3},
			},
		},
	}
	store := &fakeStore{data: map[string][]byte{"tenant-a/a.txt": []byte("abc")}}
	s := NewServer(DefaultServerConfig(), cat, store, &fakeBarrier{}, &fakeAuthLimiter{}, &fakeAuditor{status: health.StatusUp}, &fakeMetrics{}, nil)
	return s, cat
}

func (s *Server) testHandler() http.Handler {
	return s.httpServer.Handler
}

func TestListObjects_RequiresValidCollectionKey(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/collections/tenant-a/objects", nil)
	req.Header.Set("X-Collection-Key", "wrong")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListObjects_ReturnsNamesWithValidKey(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/collections/tenant-a/objects", nil)
	req.Header.Set("X-Collection-Key", "secret-a")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("a.txt")) {
		t.Errorf("expected response to contain a.txt, got %s", rec.Body.String())
	}
}

func TestListHashes_ReturnsHashPairs(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/collections/tenant-a/hashes", nil)
	req.Header.Set("X-Collection-Key", "secret-a")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("deadbeef")) {
		t.Errorf("expected hash in response, got %s", rec.Body.String())
	}
}

func TestGetObject_StreamsBytesWithHeaders(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/collections/tenant-a/objects/a.txt", nil)
	req.Header.Set("X-Collection-Key", "secret-a")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "abc" {
		t.Errorf("expected body 'abc', got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Object-Hash-SHA256") != "deadbeef" {
		t.Errorf("expected hash header, got %q", rec.Header().Get("X-Object-Hash-SHA256"))
	}
	if rec.Header().Get("Content-Length") != "3" {
		t.Errorf("expected Content-Length 3, got %q", rec.Header().Get("Content-Length"))
	}
}

func TestGetObject_UnknownNameReturns500FromNonVaultError(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/collections/tenant-a/objects/missing.txt", nil)
	req.Header.Set("X-Collection-Key", "secret-a")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unmapped error, got %d", rec.Code)
	}
}

func TestAuthLimiter_BlockedReturns429WithRetryAfter(t *testing.T) {
	cat := &fakeCatalog{validKeys: map[string]string{"tenant-a": "secret-a"}}
	s := NewServer(DefaultServerConfig(), cat, &fakeStore{}, &fakeBarrier{}, &fakeAuthLimiter{blocked: true}, &fakeAuditor{}, &fakeMetrics{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/collections/tenant-a/objects", nil)
	req.Header.Set("X-Collection-Key", "secret-a")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHealthLive_AlwaysOK(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthReady_ReturnsServiceUnavailableWhenDown(t *testing.T) {
	cat := &fakeCatalog{}
	s := NewServer(DefaultServerConfig(), cat, &fakeStore{}, &fakeBarrier{}, &fakeAuthLimiter{}, &fakeAuditor{status: health.StatusDown}, &fakeMetrics{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthMetrics_ReturnsPrometheusText(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health/metrics", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("# metrics")) {
		t.Errorf("expected prometheus text, got %s", rec.Body.String())
	}
}

func TestAdminRoutes_DisabledWithoutToken(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/admin/pool-stats", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when admin surface is disabled, got %d", rec.Code)
	}
}

func TestAdminRoutes_RejectsWrongToken(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.AdminToken = "correct-token"
	cat := &fakeCatalog{}
	s := NewServer(cfg, cat, &fakeStore{}, &fakeBarrier{}, &fakeAuthLimiter{}, &fakeAuditor{}, &fakeMetrics{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/pool-stats", nil)
	req.Header.Set("X-Admin-Token", "wrong-token")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong admin token, got %d", rec.Code)
	}
}

func TestAdminRotateKey_ReturnsNewSecret(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.AdminToken = "correct-token"
	cat := &fakeCatalog{}
	s := NewServer(cfg, cat, &fakeStore{}, &fakeBarrier{}, &fakeAuthLimiter{}, &fakeAuditor{}, &fakeMetrics{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/collections/tenant-a/rotate-key", nil)
	req.Header.Set("X-Admin-Token", "correct-token")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if cat.rotated != "tenant-a" {
		t.Errorf("expected RotateKey called with tenant-a, got %q", cat.rotated)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("new-secret")) {
		t.Errorf("expected new secret in response, got %s", rec.Body.String())
	}
}

func TestAdminDeactivate_NotFoundReturns404(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.AdminToken = "correct-token"
	cat := &fakeCatalog{deactivateOK: false}
	s := NewServer(cfg, cat, &fakeStore{}, &fakeBarrier{}, &fakeAuthLimiter{}, &fakeAuditor{}, &fakeMetrics{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/collections/missing/deactivate", nil)
	req.Header.Set("X-Admin-Token", "correct-token")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
