// Package api implements the vault's HTTP API (SPEC_FULL.md §6): the
// read-only collection surface authenticated by X-Collection-Key, plus the
// health and admin surfaces.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/datashield/vault/internal/catalog"
	"github.com/datashield/vault/internal/health"
	"github.com/datashield/vault/internal/metrics"
	"github.com/datashield/vault/internal/syncbarrier"
	vaulterrors "github.com/datashield/vault/pkg/errors"
	"github.com/datashield/vault/pkg/utils"
)

// Catalog is the subset of catalog.Catalog the API needs.
type Catalog interface {
	VerifyKey(ctx context.Context, name, secret string) (bool, error)
	GetObject(ctx context.Context, collection, name string) (*catalog.Object, error)
	ListObjects(ctx context.Context, collection string) ([]catalog.Object, error)
	RotateKey(ctx context.Context, name string) (string, error)
	DeactivateCollection(ctx context.Context, name string) (bool, error)
	PoolStats() health.PoolStats
	ResetPool()
}

// Store is the subset of the object store client the API needs to serve
// object bytes.
type Store interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Barrier is the subset of syncbarrier.Barrier the API needs.
type Barrier interface {
	WaitForSync(ctx context.Context, collection string, timeout time.Duration) (syncbarrier.Snapshot, error)
}

// AuthLimiter is the subset of authlimit.Limiter the API needs.
type AuthLimiter interface {
	Allowed(clientIP, collection string, now time.Time) (bool, time.Duration)
	RecordFailure(clientIP, collection string, now time.Time)
	RecordSuccess(clientIP, collection string)
}

// Auditor is the subset of health.Auditor the API needs.
type Auditor interface {
	SystemStatus() health.Status
	LastResults() map[string]health.ProbeResult
	LastSweep() map[string]health.Status
}

// MetricsSource is the subset of metrics.Registry the API needs.
type MetricsSource interface {
	WritePrometheusText() (string, error)
	WriteJSON() ([]byte, error)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors"`

	// AdminToken guards /admin/*; an empty value disables the admin surface.
	AdminToken string `yaml:"-" json:"-"`

	// SyncDefaultTimeout and SyncMaxTimeout bound sync_timeout.
	SyncDefaultTimeout time.Duration `yaml:"-" json:"-"`
	SyncMaxTimeout     time.Duration `yaml:"-" json:"-"`
}

// DefaultServerConfig returns the API server's defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:            "0.0.0.0:8080",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		EnableCORS:         true,
		SyncDefaultTimeout: 30 * time.Second,
		SyncMaxTimeout:     300 * time.Second,
	}
}

// Server is the vault's dependency container for the HTTP surface.
type Server struct {
	httpServer *http.Server
	config     ServerConfig
	logger     *slog.Logger

	catalog     Catalog
	store       Store
	barrier     Barrier
	authLimiter AuthLimiter
	auditor     Auditor
	metrics     MetricsSource
}

// NewServer builds a Server wiring its collaborators and routes.
func NewServer(config ServerConfig, catalog Catalog, store Store, barrier Barrier, authLimiter AuthLimiter, auditor Auditor, metricsSource MetricsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SyncDefaultTimeout <= 0 {
		config.SyncDefaultTimeout = 30 * time.Second
	}
	if config.SyncMaxTimeout <= 0 {
		config.SyncMaxTimeout = 300 * time.Second
	}

	s := &Server{
		config:      config,
		logger:      logger,
		catalog:     catalog,
		store:       store,
		barrier:     barrier,
		authLimiter: authLimiter,
		auditor:     auditor,
		metrics:     metricsSource,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/collections/{collection}/objects", s.withAuth(s.handleListObjects))
	mux.HandleFunc("GET /api/v1/collections/{collection}/hashes", s.withAuth(s.handleListHashes))
	mux.HandleFunc("GET /api/v1/collections/{collection}/objects/{name...}", s.withAuth(s.handleGetObject))
	mux.HandleFunc("GET /api/v1/collections/{collection}/hashes/{name...}", s.withAuth(s.handleGetHash))

	mux.HandleFunc("GET /health/live", s.handleHealthLive)
	mux.HandleFunc("GET /health/ready", s.handleHealthReady)
	mux.HandleFunc("GET /health/status", s.handleHealthStatus)
	mux.HandleFunc("GET /health/metrics", s.handleHealthMetrics)
	mux.HandleFunc("GET /health/metrics/json", s.handleHealthMetricsJSON)

	mux.HandleFunc("POST /admin/reset-pool", s.withAdmin(s.handleAdminResetPool))
	mux.HandleFunc("GET /admin/pool-stats", s.withAdmin(s.handleAdminPoolStats))
	mux.HandleFunc("POST /admin/collections/{collection}/rotate-key", s.withAdmin(s.handleAdminRotateKey))
	mux.HandleFunc("POST /admin/collections/{collection}/deactivate", s.withAdmin(s.handleAdminDeactivate))

	var handler http.Handler = s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Start runs the HTTP server, blocking until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server on a goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// withAuth enforces X-Collection-Key verification and the auth limiter for
// the four read endpoints.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection := r.PathValue("collection")
		clientIP := clientIPOf(r)
		now := time.Now()

		if ok, retryAfter := s.authLimiter.Allowed(clientIP, collection, now); !ok {
			s.respondRateLimited(w, retryAfter)
			return
		}

		key := r.Header.Get("X-Collection-Key")
		verified, err := s.catalog.VerifyKey(r.Context(), collection, key)
		if err != nil {
			s.respondVaultError(w, err)
			return
		}
		if !verified {
			s.authLimiter.RecordFailure(clientIP, collection, now)
			s.respondVaultError(w, vaulterrors.AuthFailed(collection))
			return
		}
		s.authLimiter.RecordSuccess(clientIP, collection)
		next(w, r)
	}
}

// withAdmin enforces the X-Admin-Token header. If no admin token is
// configured the surface is disabled entirely (404).
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminToken == "" {
			http.NotFound(w, r)
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
			s.respondError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// syncTimeout parses and clamps the sync_timeout query parameter.
func (s *Server) syncTimeout(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("sync_timeout")
	if raw == "" {
		return s.config.SyncDefaultTimeout
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return s.config.SyncDefaultTimeout
	}
	timeout := time.Duration(secs) * time.Second
	if timeout > s.config.SyncMaxTimeout {
		timeout = s.config.SyncMaxTimeout
	}
	return timeout
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	timeout := s.syncTimeout(r)

	if timeout > 0 {
		if _, err := s.barrier.WaitForSync(r.Context(), collection, timeout); err != nil {
			s.logger.Warn("sync barrier failed", "collection", collection, "error", err)
		}
	}

	objects, err := s.catalog.ListObjects(r.Context(), collection)
	if err != nil {
		s.respondVaultError(w, err)
		return
	}

	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, o.Name)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"collection": collection,
		"objects":    names,
	})
}

func (s *Server) handleListHashes(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	timeout := s.syncTimeout(r)

	if timeout > 0 {
		if _, err := s.barrier.WaitForSync(r.Context(), collection, timeout); err != nil {
			s.logger.Warn("sync barrier failed", "collection", collection, "error", err)
		}
	}

	objects, err := s.catalog.ListObjects(r.Context(), collection)
	if err != nil {
		s.respondVaultError(w, err)
		return
	}

	type item struct {
		Name       string `json:"name"`
		HashSHA256 string `json:"hash_sha256"`
	}
	items := make([]item, 0, len(objects))
	for _, o := range objects {
		items = append(items, item{Name: o.Name, HashSHA256: o.HashSHA256})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"collection": collection,
		"items":      items,
	})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	name := r.PathValue("name")
	if err := utils.ValidatePath(name, false); err != nil {
		s.respondError(w, http.StatusNotFound, "invalid object name")
		return
	}

	obj, err := s.catalog.GetObject(r.Context(), collection, name)
	if err != nil {
		s.respondVaultError(w, err)
		return
	}

	body, err := s.store.Open(r.Context(), obj.ObjectKey)
	if err != nil {
		s.respondVaultError(w, vaulterrors.StoreFailure("open", obj.ObjectKey, err))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(obj.SizeBytes, 10))
	w.Header().Set("X-Object-Hash-SHA256", obj.HashSHA256)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.Header().Set("Content-Type", "application/octet-stream")

	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) handleGetHash(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	name := r.PathValue("name")
	if err := utils.ValidatePath(name, false); err != nil {
		s.respondError(w, http.StatusNotFound, "invalid object name")
		return
	}

	obj, err := s.catalog.GetObject(r.Context(), collection, name)
	if err != nil {
		s.respondVaultError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"collection":  collection,
		"name":        name,
		"hash_sha256": obj.HashSHA256,
	})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	status := s.auditor.SystemStatus()
	statusCode := http.StatusOK
	if status == health.StatusDown {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":  status != health.StatusDown,
		"status": status,
	})
}

func (s *Server) handleHealthStatus(w http.ResponseWriter, r *http.Request) {
	includeConsistency := strings.EqualFold(r.URL.Query().Get("include_consistency"), "true")

	response := map[string]interface{}{
		"status":     s.auditor.SystemStatus(),
		"components": s.auditor.LastResults(),
	}
	if includeConsistency {
		response["consistency"] = s.auditor.LastSweep()
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := s.metrics.WritePrometheusText()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to render metrics")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(text))
}

func (s *Server) handleHealthMetricsJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.metrics.WriteJSON()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to render metrics")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleAdminResetPool(w http.ResponseWriter, r *http.Request) {
	s.catalog.ResetPool()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}

func (s *Server) handleAdminPoolStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.catalog.PoolStats())
}

func (s *Server) handleAdminRotateKey(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	secret, err := s.catalog.RotateKey(r.Context(), collection)
	if err != nil {
		s.respondVaultError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"collection": collection,
		"secret":     secret,
	})
}

func (s *Server) handleAdminDeactivate(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	ok, err := s.catalog.DeactivateCollection(r.Context(), collection)
	if err != nil {
		s.respondVaultError(w, err)
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("collection not found: %s", collection))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"deactivated": collection})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Collection-Key, X-Admin-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{"error": message})
}

func (s *Server) respondRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	s.respondError(w, http.StatusTooManyRequests, "too many failed attempts")
}

func (s *Server) respondVaultError(w http.ResponseWriter, err error) {
	var ve *vaulterrors.VaultError
	if !asVaultError(err, &ve) {
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if secs, ok := ve.RetryAfter(); ok {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	s.respondError(w, ve.HTTPStatus(), ve.Message)
}

func asVaultError(err error, target **vaulterrors.VaultError) bool {
	if ve, ok := err.(*vaulterrors.VaultError); ok {
		*target = ve
		return true
	}
	return false
}
