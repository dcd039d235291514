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

// Package runner admits executions, runs them through the workflow
// controller in streaming or detached mode, and settles billing.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/backend"
	"github.com/tombee/modelchain/internal/billing"
	"github.com/tombee/modelchain/internal/log"
	pkgerrors "github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/workflow"
)

// ErrDraining is returned by Prepare once the runner is shutting down.
var ErrDraining = errors.New("runner is draining, not accepting new executions")

// Rejection reasons reported to the metrics collector.
const (
	RejectInvalid        = "invalid_workflow"
	RejectSignupRequired = "signup_required"
	RejectBalance        = "insufficient_balance"
)

// Pricing prices and checks workflows against the model catalog.
type Pricing interface {
	billing.CostEstimator
	CheckWorkflow(wf *workflow.Workflow) error
}

// MetricsCollector records execution outcomes.
type MetricsCollector interface {
	RecordExecution(status workflow.ExecutionStatus)
	RecordRejection(reason string)
}

// Config wires a Runner.
type Config struct {
	Workflows  backend.WorkflowStore
	Executions backend.ExecutionStore
	Ledger     billing.Ledger
	Pricing    Pricing
	Controller *workflow.Controller

	// Metrics may be nil.
	Metrics MetricsCollector
	Logger  *slog.Logger

	// Tracer records one span per execution. Nil disables tracing.
	Tracer trace.Tracer

	// AnonymousTrial allows one public workflow run per anonymous caller.
	AnonymousTrial bool
}

// Runner starts executions. It is safe for concurrent use; each execution
// gets its own controller run and substitution table.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	wg       sync.WaitGroup
	active   atomic.Int64
	draining atomic.Bool

	// baseCtx parents detached runs so Stop can cancel them.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New validates cfg and returns a Runner.
func New(cfg Config) (*Runner, error) {
	switch {
	case cfg.Workflows == nil:
		return nil, &pkgerrors.ConfigError{Key: "storage", Reason: "workflow store is required"}
	case cfg.Executions == nil:
		return nil, &pkgerrors.ConfigError{Key: "storage", Reason: "execution store is required"}
	case cfg.Ledger == nil:
		return nil, &pkgerrors.ConfigError{Key: "billing", Reason: "ledger is required"}
	case cfg.Controller == nil:
		return nil, &pkgerrors.ConfigError{Key: "execution", Reason: "controller is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{cfg: cfg, logger: logger, baseCtx: ctx, cancelBase: cancel}, nil
}

// Request asks for one execution.
type Request struct {
	WorkflowID string
	Identity   auth.Identity
	Input      workflow.ExecutionInput
}

// Prepare loads and validates the workflow, then admits the caller.
// Admission failures are returned before any step runs or any event is
// emitted: a ValidationError for an invalid workflow, SignupRequiredError
// for an anonymous caller without a trial, BalanceError when an
// authenticated caller cannot afford the estimated cost.
func (r *Runner) Prepare(ctx context.Context, req Request) (*Execution, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}

	wf, err := r.cfg.Workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := r.check(wf); err != nil {
		r.reject(RejectInvalid)
		return nil, err
	}

	var cost int64
	if req.Identity.Anonymous {
		if err := r.admitAnonymous(ctx, wf, req.Identity); err != nil {
			return nil, err
		}
	} else {
		if cost, err = r.admitUser(ctx, wf, req.Identity); err != nil {
			return nil, err
		}
	}

	rec := workflow.NewExecutionRecord(uuid.NewString(), wf.ID)
	rec.UserID = req.Identity.String()
	rec.Anonymous = req.Identity.Anonymous

	return &Execution{
		runner:   r,
		workflow: wf,
		identity: req.Identity,
		input:    req.Input,
		cost:     cost,
		record:   rec,
	}, nil
}

func (r *Runner) check(wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	if r.cfg.Pricing != nil {
		return r.cfg.Pricing.CheckWorkflow(wf)
	}
	return nil
}

func (r *Runner) admitAnonymous(ctx context.Context, wf *workflow.Workflow, id auth.Identity) error {
	if !r.cfg.AnonymousTrial || !wf.Public {
		r.reject(RejectSignupRequired)
		return &pkgerrors.SignupRequiredError{Identity: id.TrialKey()}
	}
	// Every key is claimed so a used address or client id also spends the
	// other one.
	allFirst := true
	for _, key := range id.TrialKeys() {
		first, err := r.cfg.Ledger.ClaimTrial(ctx, key)
		if err != nil {
			return fmt.Errorf("claiming anonymous trial: %w", err)
		}
		allFirst = allFirst && first
	}
	if !allFirst {
		r.reject(RejectSignupRequired)
		return &pkgerrors.SignupRequiredError{Identity: id.TrialKey()}
	}
	return nil
}

func (r *Runner) admitUser(ctx context.Context, wf *workflow.Workflow, id auth.Identity) (int64, error) {
	cost := billing.EstimateCost(wf, r.cfg.Pricing)
	ok, err := billing.HasBalance(ctx, r.cfg.Ledger, id.UserID, cost)
	if err != nil {
		return 0, fmt.Errorf("checking balance: %w", err)
	}
	if !ok {
		r.reject(RejectBalance)
		available, _ := r.cfg.Ledger.Balance(ctx, id.UserID)
		return 0, &pkgerrors.BalanceError{UserID: id.UserID, Required: cost, Available: available}
	}
	return cost, nil
}

func (r *Runner) reject(reason string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordRejection(reason)
	}
}

// Get returns an execution record visible to id. Records owned by another
// caller are reported as not found.
func (r *Runner) Get(ctx context.Context, id auth.Identity, executionID string) (*workflow.ExecutionRecord, error) {
	rec, err := r.cfg.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != id.String() {
		return nil, backend.ErrExecutionNotFound(executionID)
	}
	return rec, nil
}

// List returns the caller's execution records, newest first. The filter's
// UserID is always replaced by the caller's.
func (r *Runner) List(ctx context.Context, id auth.Identity, filter backend.ExecutionFilter) ([]*workflow.ExecutionRecord, error) {
	lister, ok := r.cfg.Executions.(backend.ExecutionLister)
	if !ok {
		return nil, &pkgerrors.ConfigError{Key: "storage", Reason: "execution store does not support listing"}
	}
	filter.UserID = id.String()
	return lister.ListExecutions(ctx, filter)
}

// ActiveCount returns the number of executions in progress.
func (r *Runner) ActiveCount() int {
	return int(r.active.Load())
}

// Draining reports whether StartDraining has been called.
func (r *Runner) Draining() bool {
	return r.draining.Load()
}

// StartDraining stops Prepare from admitting new executions.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// Wait blocks until detached executions finish or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %d execution(s) still running: %w", r.ActiveCount(), ctx.Err())
	}
}

// Stop drains the runner, cancels detached executions at their next step
// boundary and waits for them to record their final state.
func (r *Runner) Stop(ctx context.Context) error {
	r.StartDraining()
	r.cancelBase()
	return r.Wait(ctx)
}

// saveTimeout bounds persistence that happens after the caller has gone.
const saveTimeout = 10 * time.Second
