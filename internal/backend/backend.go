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

// Package backend provides storage for workflow definitions and execution
// records.
//
// # Interface Hierarchy
//
//   - WorkflowStore (required by the runner): GetWorkflow
//   - WorkflowWriter (optional): SaveWorkflow, ListWorkflows
//   - ExecutionStore (required by the runner): SaveExecution, GetExecution
//   - ExecutionLister (optional): ListExecutions
//   - io.Closer (optional): Close
//
// Components accept the narrow interface they need and use type assertions
// to detect optional capabilities.
package backend

import (
	"context"
	"io"

	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/workflow"
)

// WorkflowStore looks up workflow definitions. Returned workflows have
// their steps sorted by order.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
}

// WorkflowWriter stores and enumerates workflow definitions.
type WorkflowWriter interface {
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error
	ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

// ExecutionStore persists execution records. SaveExecution upserts.
type ExecutionStore interface {
	workflow.RecordSaver
	GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error)
}

// ExecutionLister enumerates execution records, newest first.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.ExecutionRecord, error)
}

// Backend is the full storage interface.
type Backend interface {
	WorkflowStore
	WorkflowWriter
	ExecutionStore
	ExecutionLister
	io.Closer
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	UserID     string
	Status     workflow.ExecutionStatus
	Limit      int
}

// Matches reports whether rec passes the filter.
func (f ExecutionFilter) Matches(rec *workflow.ExecutionRecord) bool {
	if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// ErrWorkflowNotFound returns the not-found error for a workflow id.
func ErrWorkflowNotFound(id string) error {
	return &errors.NotFoundError{Resource: "workflow", ID: id}
}

// ErrExecutionNotFound returns the not-found error for an execution id.
func ErrExecutionNotFound(id string) error {
	return &errors.NotFoundError{Resource: "execution", ID: id}
}

// Layered serves workflows from several stores in order, returning the
// first hit.
type Layered []WorkflowStore

func (l Layered) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	for _, s := range l {
		wf, err := s.GetWorkflow(ctx, id)
		if err == nil {
			return wf, nil
		}
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}
	return nil, ErrWorkflowNotFound(id)
}
