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

// Package executor turns resolved workflow steps into provider calls. One
// Dispatcher serves every step kind and is shared by all executions.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/modelchain/internal/catalog"
	"github.com/tombee/modelchain/internal/jq"
	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm"
	"github.com/tombee/modelchain/pkg/llm/providers"
	"github.com/tombee/modelchain/pkg/workflow"
)

// maxResponseBytes bounds every body the executors read into memory.
const maxResponseBytes = 25 << 20

// Catalog resolves model identifiers.
type Catalog interface {
	Resolve(id string) (catalog.Entry, error)
}

// FileStore persists generated media and returns its public URL.
type FileStore interface {
	Put(ctx context.Context, data []byte, mimeType string) (string, error)
}

// LocalFiles is implemented by stores that can map their own URLs back to
// paths on disk. When the configured FileStore implements it, audio inputs
// are read directly instead of being downloaded.
type LocalFiles interface {
	LocalPath(url string) (string, bool)
}

// Marketplace runs predictions on the third-party model marketplace.
type Marketplace interface {
	Predict(ctx context.Context, endpoint string, input map[string]any) (*providers.Prediction, error)
}

// FallbackRecorder counts provider failovers.
type FallbackRecorder interface {
	RecordFallback(from, to string)
}

// Config wires a Dispatcher.
type Config struct {
	Registry *llm.Registry
	Catalog  Catalog
	Files    FileStore

	// Marketplace may be nil, in which case marketplace steps return
	// placeholder output.
	Marketplace Marketplace

	// HTTPClient is used for generic HTTP steps and for downloading remote
	// audio. It should enforce the outbound network policy.
	HTTPClient *http.Client

	Extractor *jq.Extractor
	Logger    *slog.Logger
	Fallbacks FallbackRecorder
	Chain     llm.ChainConfig
}

// Dispatcher executes one step of any kind.
type Dispatcher struct {
	hosted *hostedExecutor
	market *marketplaceExecutor
	http   *httpExecutor
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, &errors.ConfigError{Key: "providers", Reason: "provider registry is required"}
	}
	if cfg.Catalog == nil {
		return nil, &errors.ConfigError{Key: "catalog_path", Reason: "model catalog is required"}
	}
	if cfg.Files == nil {
		return nil, &errors.ConfigError{Key: "storage.files_dir", Reason: "file store is required"}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Extractor == nil {
		cfg.Extractor = jq.New(0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}

	logger := cfg.Logger
	fallbacks := cfg.Fallbacks
	chainCfg := cfg.Chain
	userHook := chainCfg.OnFailover
	chainCfg.OnFailover = func(from, to string, err error) {
		logger.Warn("provider failover",
			slog.String(log.EventKey, "provider_failover"),
			slog.String("from", from),
			slog.String("to", to),
			slog.Any("error", err),
		)
		if fallbacks != nil {
			fallbacks.RecordFallback(from, to)
		}
		if userHook != nil {
			userHook(from, to, err)
		}
	}

	files := cfg.Files
	local, _ := files.(LocalFiles)

	return &Dispatcher{
		hosted: &hostedExecutor{
			registry:  cfg.Registry,
			catalog:   cfg.Catalog,
			files:     files,
			local:     local,
			client:    cfg.HTTPClient,
			chain:     llm.NewFallbackChain(cfg.Registry, chainCfg),
			logger:    logger,
			fallbacks: fallbacks,
		},
		market: &marketplaceExecutor{
			catalog:   cfg.Catalog,
			client:    cfg.Marketplace,
			extractor: cfg.Extractor,
			logger:    logger,
		},
		http: &httpExecutor{
			client:    cfg.HTTPClient,
			extractor: cfg.Extractor,
		},
	}, nil
}

// Execute runs one resolved step. Input and output steps pass their input
// through unchanged.
func (d *Dispatcher) Execute(ctx context.Context, req workflow.StepRequest) (workflow.StepOutput, error) {
	switch spec := req.Step.Spec.(type) {
	case workflow.InputSpec, workflow.OutputSpec:
		return req.Input, nil
	case workflow.HostedModelSpec:
		return d.hosted.execute(ctx, req.Step, spec, req.Input)
	case workflow.MarketplaceSpec:
		return d.market.execute(ctx, req.Step, spec, req.Input)
	case workflow.HTTPSpec:
		return d.http.execute(ctx, spec, req.Input)
	default:
		return workflow.StepOutput{}, &errors.ConfigError{
			Key:    "steps." + req.Step.ID + ".kind",
			Reason: fmt.Sprintf("no executor for step kind %q", req.Step.Kind()),
		}
	}
}

func resolveModel(cat Catalog, step workflow.Step, model string) (catalog.Entry, error) {
	entry, err := cat.Resolve(model)
	if err != nil {
		return catalog.Entry{}, &errors.ConfigError{
			Key:    "steps." + step.ID + ".model",
			Reason: fmt.Sprintf("unknown model %q", model),
			Cause:  err,
		}
	}
	return entry, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}
	return body, nil
}

// placeholder is returned for categories no executor can produce yet.
func placeholder(category workflow.MediaType, model string) workflow.StepOutput {
	return workflow.StepOutput{
		Text: fmt.Sprintf("[%s output from %s is not available yet]", category, model),
	}
}
