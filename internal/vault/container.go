// Package vault wires the vault's components into a single dependency
// container, constructed once at boot (SPEC_FULL.md §9 Design Notes).
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/datashield/vault/internal/authlimit"
	"github.com/datashield/vault/internal/catalog"
	"github.com/datashield/vault/internal/circuit"
	"github.com/datashield/vault/internal/config"
	"github.com/datashield/vault/internal/coordinator"
	"github.com/datashield/vault/internal/health"
	"github.com/datashield/vault/internal/ingest"
	"github.com/datashield/vault/internal/metrics"
	"github.com/datashield/vault/internal/storage/s3"
	"github.com/datashield/vault/internal/supervisor"
	"github.com/datashield/vault/internal/syncbarrier"
	"github.com/datashield/vault/internal/watcher"
	"github.com/datashield/vault/pkg/api"
	"github.com/datashield/vault/pkg/retry"
)

// App is the vault's dependency container: every long-lived collaborator is
// constructed here once, then passed explicitly, never reached for through
// ambient globals.
type App struct {
	config config.Configuration
	logger *slog.Logger
	closeLogger func() error

	catalog     *catalog.Catalog
	store       *s3.Store
	breaker     *circuit.CircuitBreaker
	coordinator *coordinator.Coordinator
	worker      *ingest.Worker
	watcher     *watcher.Watcher
	barrier     *syncbarrier.Barrier
	authLimiter *authlimit.Limiter
	auditor     *health.Auditor
	metrics     *metrics.Registry
	supervisor  *supervisor.Supervisor
	apiServer   *api.Server
}

// New constructs the App. The catalog connection is attempted with bounded
// retry at boot (§10.2); a still-unreachable catalog after that is fatal.
func New(ctx context.Context, cfg config.Configuration) (*App, error) {
	logger, closeLogger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("construct logger: %w", err)
	}

	if err := os.MkdirAll(cfg.CollectionsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create collections root: %w", err)
	}

	var cat *catalog.Catalog
	retryer := retry.New(retry.DefaultConfig())
	err = retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var openErr error
		cat, openErr = catalog.Open(ctx, cfg.Database.DSN, cfg.Database.PoolSize)
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	store, err := s3.New(ctx, cfg.Store.Bucket, storeConfig(cfg.Store), logger.With("component", "store"))
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("construct object store: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		cat.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	breaker := circuit.NewCircuitBreaker("store", circuit.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Cooldown,
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	coord := coordinator.New(coordinator.Config{
		DebounceWindow:    cfg.Watch.DebounceWindow,
		ProcessingTimeout: cfg.Watch.ProcessingTimeout,
	})

	worker := ingest.New(cfg.CollectionsRoot, cat, store, breaker, coord, logger.With("component", "ingestion"))

	w := watcher.New(watcher.Config{
		PollInterval: cfg.Watch.PollInterval,
		Concurrency:  4,
	}, cfg.CollectionsRoot, coord, worker, cat, logger.With("component", "watcher"))

	barrier := syncbarrier.New(cfg.CollectionsRoot, cat, coord)

	authLimiter := authlimit.New(authlimit.Config{
		MaxFailures:   cfg.Auth.MaxFailures,
		Window:        cfg.Auth.Window,
		BlockDuration: cfg.Auth.BlockDuration,
	})

	registry := metrics.NewRegistry("vault")

	auditor := health.NewAuditor(health.Config{
		ProbeTimeout:  cfg.Health.ProbeTimeout,
		SweepInterval: cfg.Health.SweepInterval,
		SweepDelay:    cfg.Health.SweepDelay,
		SampleSize:    cfg.Health.SampleSize,
	}, cfg.CollectionsRoot, cat, store, w)
	auditor.WireSweep(cat, barrier, store, registry)

	sup := supervisor.New(supervisor.Config{Interval: cfg.Supervisor.Interval}, w)

	apiCfg := api.DefaultServerConfig()
	apiCfg.Address = cfg.API.Host + ":" + strconv.Itoa(cfg.API.Port)
	apiCfg.ReadTimeout = cfg.API.ReadTimeout
	apiCfg.WriteTimeout = cfg.API.WriteTimeout
	apiCfg.AdminToken = cfg.API.AdminToken
	apiCfg.SyncDefaultTimeout = cfg.Sync.DefaultTimeout
	apiCfg.SyncMaxTimeout = cfg.Sync.MaxTimeout

	apiServer := api.NewServer(apiCfg, cat, store, barrier, authLimiter, auditor, registry, logger.With("component", "api"))

	return &App{
		config:      cfg,
		logger:      logger,
		closeLogger: closeLogger,
		catalog:     cat,
		store:       store,
		breaker:     breaker,
		coordinator: coord,
		worker:      worker,
		watcher:     w,
		barrier:     barrier,
		authLimiter: authLimiter,
		auditor:     auditor,
		metrics:     registry,
		supervisor:  sup,
		apiServer:   apiServer,
	}, nil
}

func storeConfig(cfg config.StoreConfig) *s3.Config {
	return &s3.Config{
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		ForcePathStyle:  cfg.ForcePathStyle,
		DisableSSL:      !cfg.UseSSL,
		MaxRetries:      3,
		ConnectTimeout:  10 * time.Second,
		RequestTimeout:  30 * time.Second,
		PoolSize:        16,
		ChunkSize:       8 * 1024 * 1024,
	}
}

// Run performs the startup scan, arms the watcher and supervisor, starts the
// health auditor's sweep, and serves the HTTP API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("running startup scan", "collections_root", a.config.CollectionsRoot)
	if err := a.watcher.Scan(ctx); err != nil {
		return fmt.Errorf("startup scan: %w", err)
	}

	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	a.supervisor.Start(ctx)
	a.auditor.Start(ctx)
	a.apiServer.StartBackground()

	a.logger.Info("vault running", "address", a.config.API.Host+":"+strconv.Itoa(a.config.API.Port))
	<-ctx.Done()
	return nil
}

// Shutdown stops every component in the order SPEC_FULL.md §5 specifies:
// watcher (bounded join), then the worker pool's context is already
// cancelled by the caller, then catalog/store handles are closed last.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	stopped := make(chan error, 1)
	go func() { stopped <- a.watcher.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			a.logger.Warn("watcher stop reported error", "error", err)
		}
	case <-time.After(5 * time.Second):
		a.logger.Warn("watcher stop exceeded 5s bound, continuing shutdown")
	}

	a.supervisor.Stop()
	a.auditor.Stop()

	if err := a.apiServer.Shutdown(ctx); err != nil {
		a.logger.Warn("API shutdown reported error", "error", err)
	}

	if err := a.catalog.Close(); err != nil {
		a.logger.Warn("catalog close reported error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close reported error", "error", err)
	}
	if a.closeLogger != nil {
		_ = a.closeLogger()
	}
	return nil
}
