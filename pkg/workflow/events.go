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
	"errors"
	"time"
)

// EventType identifies a progress event.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow_start"
	EventStepStart        EventType = "step_start"
	EventStepComplete     EventType = "step_complete"
	EventStepError        EventType = "step_error"
	EventWorkflowComplete EventType = "workflow_complete"
)

// StepSummary describes a visible step in the workflow_start event.
type StepSummary struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Kind  StepKind `json:"kind"`
	Index int      `json:"index"`
}

// Event is one progress notification. Only the fields relevant to Type are
// set.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`

	StepID     string      `json:"step_id,omitempty"`
	StepName   string      `json:"step_name,omitempty"`
	Index      *int        `json:"index,omitempty"`
	Output     string      `json:"output,omitempty"`
	Files      []FileInput `json:"files,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`

	TotalVisibleSteps int           `json:"total_visible_steps,omitempty"`
	Steps             []StepSummary `json:"steps,omitempty"`

	Status    ExecutionStatus `json:"status,omitempty"`
	FinalCost *int64          `json:"final_cost,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Emitter receives progress from the controller. Emit is called for
// visible step transitions and workflow boundaries; Checkpoint is called
// with the record after every step.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Checkpoint(ctx context.Context, rec *ExecutionRecord) error
}

// RecordSaver persists execution records.
type RecordSaver interface {
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
}

// StepObserver is notified of every finished step, visible or not.
type StepObserver interface {
	ObserveStep(kind StepKind, status string, d time.Duration)
}

// ChannelEmitter streams events to a connected caller. Checkpoints are
// ignored; the record is persisted once at completion.
type ChannelEmitter struct {
	ch chan<- Event
}

// NewChannelEmitter returns an emitter writing to ch.
func NewChannelEmitter(ch chan<- Event) *ChannelEmitter {
	return &ChannelEmitter{ch: ch}
}

// Emit blocks until the event is delivered or ctx is done. A done context
// drops the event.
func (e *ChannelEmitter) Emit(ctx context.Context, ev Event) error {
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *ChannelEmitter) Checkpoint(context.Context, *ExecutionRecord) error { return nil }

// CheckpointEmitter persists the record after every step so a detached
// caller can poll it. Events are ignored.
type CheckpointEmitter struct {
	Saver RecordSaver
}

func (CheckpointEmitter) Emit(context.Context, Event) error { return nil }

// Checkpoint saves a copy of rec. Saving is detached from ctx cancellation
// so a cancelled run still records how far it got.
func (e CheckpointEmitter) Checkpoint(ctx context.Context, rec *ExecutionRecord) error {
	return e.Saver.SaveExecution(context.WithoutCancel(ctx), rec.Clone())
}

// MultiEmitter fans out to several emitters, joining their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiEmitter) Checkpoint(ctx context.Context, rec *ExecutionRecord) error {
	var errs []error
	for _, e := range m {
		if err := e.Checkpoint(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopEmitter discards everything.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error                  { return nil }
func (NopEmitter) Checkpoint(context.Context, *ExecutionRecord) error { return nil }
