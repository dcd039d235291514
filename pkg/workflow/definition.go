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
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is an ordered list of steps plus the edge set describing data
// dependencies. Steps execute in Order; edges only drive fan-in merging.
type Workflow struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
	Edges       []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`

	// DeclaredPrice, when positive, replaces the catalog estimate.
	DeclaredPrice int64 `json:"declared_price,omitempty" yaml:"declared_price,omitempty"`

	// Public workflows may be run by anonymous callers on their trial.
	Public  bool   `json:"public,omitempty" yaml:"public,omitempty"`
	OwnerID string `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
}

// ParseDefinition parses a workflow from YAML bytes, sorts its steps and
// validates it.
func ParseDefinition(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	wf.SortSteps()

	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}
	return &wf, nil
}

// LoadDefinition reads and parses a workflow file. When the file does not
// name an id, the file name without extension is used.
func LoadDefinition(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	wf, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	if wf.ID == "" {
		base := filepath.Base(path)
		wf.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return wf, nil
}

// SortSteps orders steps by their declared Order, keeping declaration order
// for ties.
func (w *Workflow) SortSteps() {
	slices.SortStableFunc(w.Steps, func(a, b Step) int {
		return a.Order - b.Order
	})
}

// SortedSteps returns the steps in execution order without modifying w.
func (w *Workflow) SortedSteps() []Step {
	steps := slices.Clone(w.Steps)
	slices.SortStableFunc(steps, func(a, b Step) int {
		return a.Order - b.Order
	})
	return steps
}

// Parents returns the sources of edges targeting stepID in edge
// declaration order, without duplicates.
func (w *Workflow) Parents(stepID string) []string {
	var parents []string
	for _, e := range w.Edges {
		if e.Target == stepID && !slices.Contains(parents, e.Source) {
			parents = append(parents, e.Source)
		}
	}
	return parents
}

// VisibleSteps returns the non-Input/Output steps in execution order.
func (w *Workflow) VisibleSteps() []Step {
	var out []Step
	for _, s := range w.SortedSteps() {
		if s.Visible() {
			out = append(out, s)
		}
	}
	return out
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ModelIDs returns the model identifiers referenced by model steps, in
// execution order.
func (w *Workflow) ModelIDs() []string {
	var ids []string
	for _, s := range w.SortedSteps() {
		switch spec := s.Spec.(type) {
		case HostedModelSpec:
			ids = append(ids, spec.Model)
		case MarketplaceSpec:
			ids = append(ids, spec.Model)
		}
	}
	return ids
}
