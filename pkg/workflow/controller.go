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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/pkg/errors"
)

// StepRequest is what the controller hands an executor for one step.
type StepRequest struct {
	// Step has every templated field already resolved. {{input}} is left
	// for the executor to bind against Input.Text.
	Step Step

	// Input is the step's effective input after dependency merging and
	// file binding.
	Input StepOutput

	ExecutionID string
}

// StepExecutor runs one step. A returned error or a non-empty
// StepOutput.Error both fail the step.
type StepExecutor interface {
	Execute(ctx context.Context, req StepRequest) (StepOutput, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, req StepRequest) (StepOutput, error)

func (f StepExecutorFunc) Execute(ctx context.Context, req StepRequest) (StepOutput, error) {
	return f(ctx, req)
}

// Controller runs a workflow's steps sequentially in declared order.
// A Controller holds no per-execution state and may be shared.
type Controller struct {
	exec        StepExecutor
	logger      *slog.Logger
	stepTimeout time.Duration
	observer    StepObserver
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithStepTimeout bounds each executor call. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Controller) { c.stepTimeout = d }
}

// WithObserver registers a step observer, typically the metrics recorder.
func WithObserver(o StepObserver) Option {
	return func(c *Controller) { c.observer = o }
}

// NewController returns a controller dispatching steps to exec.
func NewController(exec StepExecutor, opts ...Option) *Controller {
	c := &Controller{exec: exec, logger: log.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartEvent builds the workflow_start event for wf.
func StartEvent(executionID string, wf *Workflow) Event {
	visible := wf.VisibleSteps()
	summaries := make([]StepSummary, len(visible))
	for i, s := range visible {
		summaries[i] = StepSummary{ID: s.ID, Name: s.DisplayName(), Kind: s.Kind(), Index: i}
	}
	return Event{
		Type:              EventWorkflowStart,
		ExecutionID:       executionID,
		TotalVisibleSteps: len(visible),
		Steps:             summaries,
		Timestamp:         time.Now().UTC(),
	}
}

// CompleteEvent builds the workflow_complete event for a terminal record.
func CompleteEvent(rec *ExecutionRecord) Event {
	cost := rec.FinalCost
	return Event{
		Type:        EventWorkflowComplete,
		ExecutionID: rec.ID,
		Status:      rec.Status,
		Output:      rec.FinalOutput,
		Files:       rec.FinalFiles,
		FinalCost:   &cost,
		Timestamp:   time.Now().UTC(),
	}
}

// Run executes wf against in, appending one StepResult per attempted step
// to rec and reporting progress to em. ctx is the cancellation signal: it is
// checked before each step, and an in-flight executor call is never
// aborted by it. On return rec is in a terminal state.
func (c *Controller) Run(ctx context.Context, wf *Workflow, in ExecutionInput, rec *ExecutionRecord, em Emitter) {
	if em == nil {
		em = NopEmitter{}
	}
	logger := log.WithRunContext(c.logger, rec.ID, wf.ID)

	steps := wf.SortedSteps()
	table := SeedTable(steps, in)
	outputs := make(map[string]StepOutput, len(steps))
	current := StepOutput{Text: in.Text, Files: in.Files}
	visibleIdx := 0
	producedVisible := false

	for _, step := range steps {
		if ctx.Err() != nil {
			rec.Status = StatusCancelled
			logger.Info("execution cancelled", slog.Int("completed_steps", len(rec.Results)))
			break
		}

		stepLogger := log.WithStepContext(logger, step.ID, string(step.Kind()))

		var override *StepOutput
		if step.Kind() == KindInput {
			if o, ok := in.StepInputs[step.ID]; ok {
				override = &o
			}
		}
		input := ResolveInput(wf.Parents(step.ID), outputs, current, override)

		table.AddParams(step.CustomParams)
		resolved := step.Resolve(table)
		input.Files = attachBindings(resolved.FileBindings, table, input.Files)

		var index *int
		if step.Visible() {
			i := visibleIdx
			index = &i
			visibleIdx++
			c.emit(ctx, stepLogger, em, Event{
				Type:        EventStepStart,
				ExecutionID: rec.ID,
				StepID:      step.ID,
				StepName:    step.DisplayName(),
				Index:       index,
				Timestamp:   time.Now().UTC(),
			})
		}

		start := time.Now()
		out, err := c.execute(ctx, StepRequest{Step: resolved, Input: input, ExecutionID: rec.ID})
		elapsed := time.Since(start)

		result := StepResult{
			StepID:          step.ID,
			StepName:        step.DisplayName(),
			Kind:            step.Kind(),
			Output:          out.Text,
			Files:           out.Files,
			OutputMediaType: outputMediaType(step, out),
			DurationMs:      elapsed.Milliseconds(),
		}

		if err == nil && out.Failed() {
			err = errors.New(out.Error)
		}
		if err != nil {
			result.Error = err.Error()
			rec.Results = append(rec.Results, result)
			rec.Status = StatusFailed
			rec.Error = result.Error
			c.observe(step.Kind(), "error", elapsed)

			stepLogger.Warn("step failed",
				slog.String("error", result.Error),
				slog.Int64(log.DurationKey, result.DurationMs),
			)
			if step.Visible() {
				c.emit(ctx, stepLogger, em, Event{
					Type:        EventStepError,
					ExecutionID: rec.ID,
					StepID:      step.ID,
					StepName:    step.DisplayName(),
					Index:       index,
					Output:      result.Error,
					DurationMs:  result.DurationMs,
					Timestamp:   time.Now().UTC(),
				})
			}
			c.checkpoint(ctx, stepLogger, em, rec)
			break
		}

		rec.Results = append(rec.Results, result)
		outputs[step.ID] = out
		current = out
		table.AddStepAnchors(step.ID, out)
		c.observe(step.Kind(), "success", elapsed)

		stepLogger.Debug("step completed", slog.Int64(log.DurationKey, result.DurationMs))
		if step.Visible() {
			rec.FinalOutput = out.Text
			rec.FinalFiles = out.Files
			producedVisible = true
			c.emit(ctx, stepLogger, em, Event{
				Type:        EventStepComplete,
				ExecutionID: rec.ID,
				StepID:      step.ID,
				StepName:    step.DisplayName(),
				Index:       index,
				Output:      out.Text,
				Files:       out.Files,
				DurationMs:  result.DurationMs,
				Timestamp:   time.Now().UTC(),
			})
		}
		c.checkpoint(ctx, stepLogger, em, rec)
	}

	if rec.Status == StatusRunning {
		rec.Status = StatusCompleted
	}
	if !producedVisible && rec.Status == StatusCompleted {
		rec.FinalOutput = current.Text
		rec.FinalFiles = current.Files
	}
	finished := time.Now().UTC()
	rec.FinishedAt = &finished
}

// execute calls the executor on a context detached from caller
// cancellation, bounded by the step timeout.
func (c *Controller) execute(ctx context.Context, req StepRequest) (out StepOutput, err error) {
	callCtx := context.WithoutCancel(ctx)
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.stepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", req.Step.ID, r)
		}
	}()

	out, err = c.exec.Execute(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = &errors.TimeoutError{
			Operation: "step " + req.Step.ID,
			Duration:  c.stepTimeout,
			Cause:     err,
		}
	}
	return out, err
}

func (c *Controller) emit(ctx context.Context, logger *slog.Logger, em Emitter, ev Event) {
	if err := em.Emit(ctx, ev); err != nil {
		logger.Debug("progress event dropped",
			slog.String(log.EventKey, string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) checkpoint(ctx context.Context, logger *slog.Logger, em Emitter, rec *ExecutionRecord) {
	if err := em.Checkpoint(ctx, rec); err != nil {
		logger.Warn("checkpoint failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) observe(kind StepKind, status string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveStep(kind, status, d)
	}
}

// attachBindings appends the files named by bindings to files. A binding
// may be written bare or as {{name}}. The media type comes from the
// anchor suffix when it names a file type, otherwise from the URL.
func attachBindings(bindings []string, t *SubstitutionTable, files []FileInput) []FileInput {
	if len(bindings) == 0 {
		return files
	}
	out := append([]FileInput(nil), files...)
	for _, b := range bindings {
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(b), "{{"), "}}"))
		url, ok := t.Get(name)
		if !ok || url == "" {
			continue
		}
		out = append(out, FileInput{
			URL:       url,
			MediaType: bindingMediaType(name, url),
			Name:      path.Base(strings.SplitN(url, "?", 2)[0]),
		})
	}
	return DedupeFiles(out)
}

func bindingMediaType(name, url string) MediaType {
	if i := strings.LastIndex(name, "_"); i >= 0 {
		if m := MediaType(name[i+1:]); m.IsFile() {
			return m
		}
	}
	if m, ok := MediaTypeFromName(url); ok {
		return m
	}
	return MediaDocument
}

func outputMediaType(step Step, out StepOutput) MediaType {
	if step.MediaOut != "" {
		return step.MediaOut
	}
	if len(out.Files) > 0 {
		return out.Files[0].MediaType
	}
	return MediaText
}
