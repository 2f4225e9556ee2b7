// Command vault runs the vault gateway: it watches a directory tree of
// per-tenant collections, mirrors new or changed files into an object
// store, tracks their metadata in a catalog, and serves a read-only
// authenticated HTTP API over the result.
//
// Configuration is loaded from an optional YAML file (-config) overlaid
// with VAULT_-prefixed environment variables; see internal/config for the
// full set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datashield/vault/internal/config"
	"github.com/datashield/vault/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vault:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := vault.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("construct vault: %w", err)
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- app.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-runErrCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			app.Shutdown(shutdownCtx)
			return fmt.Errorf("vault exited: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}
