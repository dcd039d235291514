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

package runner

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/internal/tracing"
	"github.com/tombee/modelchain/pkg/workflow"
)

// Execution is an admitted run that has not started yet. Start it once
// with either Stream or Detach.
type Execution struct {
	runner   *Runner
	workflow *workflow.Workflow
	identity auth.Identity
	input    workflow.ExecutionInput
	cost     int64
	record   *workflow.ExecutionRecord
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.record.ID }

// Workflow returns the workflow being run.
func (e *Execution) Workflow() *workflow.Workflow { return e.workflow }

// EstimatedCost is the amount deducted if the run completes.
func (e *Execution) EstimatedCost() int64 { return e.cost }

// Stream runs the execution on the calling goroutine, delivering events on
// events. Cancelling ctx (the caller disconnecting) stops the run at the
// next step boundary. The caller must keep draining events until Stream
// returns; Stream does not close the channel.
func (e *Execution) Stream(ctx context.Context, events chan<- workflow.Event) *workflow.ExecutionRecord {
	e.runner.wg.Add(1)
	defer e.runner.wg.Done()
	e.runner.save(ctx, e.record)
	return e.run(ctx, workflow.NewChannelEmitter(events))
}

// Detach starts the execution in the background and returns immediately.
// The record is saved before Detach returns and checkpointed after every
// step, so it can be polled by id. extra, when non-nil, also receives the
// run's events.
func (e *Execution) Detach(extra workflow.Emitter) string {
	r := e.runner
	r.save(r.baseCtx, e.record)

	var em workflow.Emitter = workflow.CheckpointEmitter{Saver: r.cfg.Executions}
	if extra != nil {
		em = workflow.MultiEmitter{em, extra}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		e.run(r.baseCtx, em)
	}()
	return e.record.ID
}

func (e *Execution) run(ctx context.Context, em workflow.Emitter) *workflow.ExecutionRecord {
	r := e.runner
	r.active.Add(1)
	defer r.active.Add(-1)

	rec := e.record
	ctx, span := tracing.StartExecution(ctx, r.cfg.Tracer, rec.ID, e.workflow.ID)
	defer span.End()

	logger := log.WithRunContext(r.logger, rec.ID, e.workflow.ID)
	logger.Info("execution started",
		slog.String("caller", e.identity.String()),
		slog.Int64("estimated_cost", e.cost),
	)

	if err := em.Emit(ctx, workflow.StartEvent(rec.ID, e.workflow)); err != nil {
		logger.Debug("start event not delivered", slog.Any("error", err))
	}

	r.cfg.Controller.Run(ctx, e.workflow, e.input, rec, em)

	e.settle(ctx, logger)
	r.save(ctx, rec)

	if err := em.Emit(ctx, workflow.CompleteEvent(rec)); err != nil {
		logger.Debug("complete event not delivered", slog.Any("error", err))
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordExecution(rec.Status)
	}

	span.SetAttributes(map[string]any{
		tracing.AttrStatus: string(rec.Status),
		"steps":            len(rec.Results),
		"final_cost":       rec.FinalCost,
	})
	if rec.Status == workflow.StatusFailed {
		span.RecordError(errors.New(rec.Error))
	} else {
		span.SetOK()
	}
	logger.Info("execution finished",
		slog.String("status", string(rec.Status)),
		slog.Int("steps", len(rec.Results)),
		slog.Int64("final_cost", rec.FinalCost),
	)
	return rec
}

// settle deducts the estimated cost for an authenticated caller whose run
// completed. Failed and cancelled runs, and anonymous trials, are free. A
// deduction that fails leaves FinalCost at zero and records BillingError.
func (e *Execution) settle(ctx context.Context, logger *slog.Logger) {
	rec := e.record
	if rec.Status != workflow.StatusCompleted || e.identity.Anonymous || e.cost <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	receipt, err := e.runner.cfg.Ledger.Deduct(ctx, e.identity.UserID, e.workflow.ID, e.cost)
	if err != nil {
		logger.Error("deduction failed", slog.Any("error", err), slog.Int64("amount", e.cost))
		rec.BillingError = err.Error()
		return
	}
	rec.FinalCost = receipt.Amount
}

func (r *Runner) save(ctx context.Context, rec *workflow.ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := r.cfg.Executions.SaveExecution(ctx, rec.Clone()); err != nil {
		r.logger.Error("failed to save execution",
			slog.String(log.RunIDKey, rec.ID),
			slog.Any("error", err),
		)
	}
}
