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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/modelchain/internal/backend"
	"github.com/tombee/modelchain/pkg/workflow"
)

// Compile-time interface assertions.
var (
	_ backend.WorkflowStore   = (*Backend)(nil)
	_ backend.WorkflowWriter  = (*Backend)(nil)
	_ backend.ExecutionStore  = (*Backend)(nil)
	_ backend.ExecutionLister = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Records are copied on the way
// in and out so callers cannot mutate stored state.
type Backend struct {
	mu         sync.RWMutex
	workflows  map[string]*workflow.Workflow
	executions map[string]*workflow.ExecutionRecord
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*workflow.ExecutionRecord),
	}
}

// GetWorkflow retrieves a workflow by ID.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wf, ok := b.workflows[id]
	if !ok {
		return nil, backend.ErrWorkflowNotFound(id)
	}
	c := *wf
	c.Steps = wf.SortedSteps()
	return &c, nil
}

// SaveWorkflow creates or replaces a workflow.
func (b *Backend) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := *wf
	c.Steps = wf.SortedSteps()
	c.Edges = append([]workflow.Edge(nil), wf.Edges...)
	b.workflows[wf.ID] = &c
	return nil
}

// ListWorkflows returns all workflows sorted by ID.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*workflow.Workflow, 0, len(b.workflows))
	for _, wf := range b.workflows {
		c := *wf
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveExecution creates or replaces an execution record.
func (b *Backend) SaveExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executions[rec.ID] = rec.Clone()
	return nil
}

// GetExecution retrieves an execution record by ID.
func (b *Backend) GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.executions[id]
	if !ok {
		return nil, backend.ErrExecutionNotFound(id)
	}
	return rec.Clone(), nil
}

// ListExecutions lists records matching filter, newest first.
func (b *Backend) ListExecutions(ctx context.Context, filter backend.ExecutionFilter) ([]*workflow.ExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*workflow.ExecutionRecord
	for _, rec := range b.executions {
		if filter.Matches(rec) {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Close is a no-op for the memory backend.
func (b *Backend) Close() error {
	return nil
}
