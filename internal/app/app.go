// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app assembles the service from configuration. Every collaborator
// is constructed here and injected; nothing below this package reads
// configuration or environment on its own.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/backend"
	"github.com/tombee/modelchain/internal/backend/memory"
	"github.com/tombee/modelchain/internal/backend/sqlite"
	"github.com/tombee/modelchain/internal/backend/yamldir"
	"github.com/tombee/modelchain/internal/billing"
	"github.com/tombee/modelchain/internal/catalog"
	"github.com/tombee/modelchain/internal/config"
	"github.com/tombee/modelchain/internal/executor"
	"github.com/tombee/modelchain/internal/filestore"
	"github.com/tombee/modelchain/internal/jq"
	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/internal/metrics"
	"github.com/tombee/modelchain/internal/runner"
	"github.com/tombee/modelchain/internal/server"
	"github.com/tombee/modelchain/internal/tracing"
	"github.com/tombee/modelchain/pkg/llm"
	"github.com/tombee/modelchain/pkg/llm/providers"
	"github.com/tombee/modelchain/pkg/workflow"
)

// UserAgent is sent on every provider request.
const UserAgent = "modelchain/1.0"

// Version is reported on trace resources. Set from build flags.
var Version = "dev"

// App holds the assembled service.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Registry   *llm.Registry
	Catalog    *catalog.Catalog
	Files      *filestore.Local
	Store      backend.Backend
	Workflows  backend.WorkflowStore
	Ledger     billing.Ledger
	Metrics    *metrics.Recorder
	Dispatcher *executor.Dispatcher
	Controller *workflow.Controller
	Runner     *runner.Runner
	Tracing    *tracing.Provider

	closers []io.Closer
}

// New builds the service described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = log.Discard()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	reg, err := a.providers()
	if err != nil {
		return err
	}
	a.Registry = reg

	if a.Catalog, err = catalog.Load(cfg.CatalogPath); err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	if cfg.WatchCatalog && cfg.CatalogPath != "" {
		w, err := catalog.Watch(ctx, a.Catalog, cfg.CatalogPath, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, w)
	}

	if a.Tracing, err = tracing.NewProvider(ctx, cfg.Tracing.Provider(Version)); err != nil {
		return fmt.Errorf("configuring tracing: %w", err)
	}
	a.closers = append(a.closers, a.Tracing)

	if a.Files, err = filestore.NewLocal(cfg.Storage.FilesDir, cfg.Server.PublicURL); err != nil {
		return err
	}
	if err := a.storage(ctx); err != nil {
		return err
	}

	a.Metrics = metrics.New()

	stepClient, err := executor.NewStepClient(cfg.HTTPSteps.Policy(), cfg.Execution.StepTimeout)
	if err != nil {
		return fmt.Errorf("building step client: %w", err)
	}

	var market executor.Marketplace
	if creds, opts := cfg.Providers.ReplicateCredentials(); creds.APIKey != "" {
		client, err := providers.NewHTTPClient(UserAgent)
		if err != nil {
			return err
		}
		rc, err := providers.NewReplicateClient(creds, client, opts)
		if err != nil {
			return fmt.Errorf("configuring marketplace: %w", err)
		}
		market = rc
	} else {
		a.Logger.Info("marketplace token not set, marketplace steps return previews")
	}

	dispatcher, err := executor.New(executor.Config{
		Registry:    reg,
		Catalog:     a.Catalog,
		Files:       a.Files,
		Marketplace: market,
		HTTPClient:  stepClient,
		Extractor:   jq.New(0, 0),
		Logger:      a.Logger,
		Fallbacks:   a.Metrics,
		Chain:       llm.DefaultChainConfig(),
	})
	if err != nil {
		return err
	}
	a.Dispatcher = dispatcher

	var steps workflow.StepExecutor = dispatcher
	if a.Tracing.Enabled() {
		steps = executor.Traced(dispatcher, a.Tracing.Tracer("modelchain/executor"))
	}

	a.Controller = workflow.NewController(steps,
		workflow.WithLogger(a.Logger),
		workflow.WithStepTimeout(cfg.Execution.StepTimeout),
		workflow.WithObserver(a.Metrics),
	)

	a.Runner, err = runner.New(runner.Config{
		Workflows:      a.Workflows,
		Executions:     a.Store,
		Ledger:         a.Ledger,
		Pricing:        a.Catalog,
		Controller:     a.Controller,
		Metrics:        a.Metrics,
		Logger:         a.Logger,
		Tracer:         a.Tracing.Tracer("modelchain/runner"),
		AnonymousTrial: cfg.Execution.TrialEnabled(),
	})
	return err
}

// providers registers the hosted providers and activates those with
// credentials. A provider without credentials stays inactive and is
// skipped by fallback.
func (a *App) providers() (*llm.Registry, error) {
	client, err := providers.NewHTTPClient(UserAgent)
	if err != nil {
		return nil, fmt.Errorf("building provider client: %w", err)
	}

	reg := llm.NewRegistry()
	providers.RegisterAll(reg, client)
	for name, creds := range a.Config.Providers.Credentials() {
		ok, err := reg.Activate(name, creds)
		if err != nil {
			return nil, fmt.Errorf("activating provider %s: %w", name, err)
		}
		if ok {
			a.Logger.Info("provider activated",
				slog.String(log.ProviderKey, name),
				slog.String("key", log.SanitizeAPIKey(creds.APIKey)))
		}
	}
	reg.SetDefault(a.Config.Providers.Default)
	if !reg.IsActive(a.Config.Providers.Default) {
		a.Logger.Warn("default provider has no credentials, hosted steps will fail",
			slog.String(log.ProviderKey, a.Config.Providers.Default))
	}
	return reg, nil
}

func (a *App) storage(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		store := memory.New()
		a.Store = store
		a.Ledger = billing.NewMemoryLedger(cfg.Billing.StartingBalance)
	case config.StorageSQLite:
		store, err := sqlite.New(sqlite.Config{Path: cfg.Storage.SQLitePath, WAL: true})
		if err != nil {
			return fmt.Errorf("opening %s: %w", cfg.Storage.SQLitePath, err)
		}
		a.Store = store
		ledger, err := billing.NewSQLiteLedger(ctx, store.DB(), cfg.Billing.StartingBalance)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		a.Ledger = ledger
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	a.closers = append(a.closers, a.Store)

	// Files in the workflows directory shadow stored definitions.
	a.Workflows = backend.Layered{yamldir.New(cfg.Storage.WorkflowsDir), a.Store}
	return nil
}

// Server returns the HTTP server for the assembled service.
func (a *App) Server() (*server.Server, error) {
	cfg := a.Config
	return server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Runner:          a.Runner,
		Auth:            &auth.Authenticator{JWT: cfg.JWT(), TrustProxy: cfg.Auth.TrustProxy},
		Limiter:         auth.NewRateLimiter(cfg.Server.RateLimit.Limiter()),
		Files:           a.Files.Handler(),
		Metrics:         a.Metrics,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Logger:          a.Logger,
	})
}

// Close stops the catalog watcher, flushes spans and releases storage
// handles.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
