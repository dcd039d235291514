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

// Package yamldir serves workflow definitions from a directory of YAML
// files, one workflow per file. The file name without extension is the
// workflow id.
package yamldir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/modelchain/internal/backend"
	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/workflow"
)

var (
	_ backend.WorkflowStore  = (*Store)(nil)
	_ backend.WorkflowWriter = (*Store)(nil)
)

var extensions = []string{".yaml", ".yml"}

// Store reads workflows from Dir on every lookup, so edits take effect
// without a restart.
type Store struct {
	Dir string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// GetWorkflow loads and validates the workflow with the given id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	if !validID(id) {
		return nil, backend.ErrWorkflowNotFound(id)
	}
	for _, ext := range extensions {
		path := filepath.Join(s.Dir, id+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		wf, err := workflow.LoadDefinition(path)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, err)
		}
		wf.ID = id
		return wf, nil
	}
	return nil, backend.ErrWorkflowNotFound(id)
}

// ListWorkflows loads every workflow file in the directory. Invalid files
// are skipped.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	var out []*workflow.Workflow
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		wf, err := s.GetWorkflow(ctx, strings.TrimSuffix(e.Name(), ext))
		if err != nil {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveWorkflow writes wf to <Dir>/<id>.yaml.
func (s *Store) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if !validID(wf.ID) {
		return &errors.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("workflow id %q cannot be used as a file name", wf.ID),
		}
	}
	data, err := yaml.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workflows directory: %w", err)
	}
	return os.WriteFile(filepath.Join(s.Dir, wf.ID+".yaml"), data, 0o644)
}
