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
	"maps"
)

// SubstitutionTable is the execution-scoped name to value map used to
// resolve {{name}} placeholders. It is owned by one controller run and is
// not safe for concurrent use.
type SubstitutionTable struct {
	values map[string]string
}

// NewSubstitutionTable returns an empty table.
func NewSubstitutionTable() *SubstitutionTable {
	return &SubstitutionTable{values: make(map[string]string)}
}

// Set binds name to value, replacing any earlier binding.
func (t *SubstitutionTable) Set(name, value string) {
	t.values[name] = value
}

// Get returns the value bound to name.
func (t *SubstitutionTable) Get(name string) (string, bool) {
	v, ok := t.values[name]
	return v, ok
}

// Len returns the number of bound names.
func (t *SubstitutionTable) Len() int { return len(t.values) }

// Snapshot returns a copy of the current bindings.
func (t *SubstitutionTable) Snapshot() map[string]string {
	return maps.Clone(t.values)
}

// Resolve resolves placeholders in s against the table.
func (t *SubstitutionTable) Resolve(s string) string {
	return ResolveString(s, t.Get)
}

// ResolveValue resolves placeholders through nested values.
func (t *SubstitutionTable) ResolveValue(v any) any {
	return ResolveValue(v, t.Get)
}

// InputAnchor names the n-th (1-based) Input step's anchor for media type m.
func InputAnchor(n int, m MediaType) string {
	return fmt.Sprintf("input_%d_%s", n, m)
}

// StepOutputAnchor names the text output anchor of a completed step.
func StepOutputAnchor(stepID string) string {
	return "step_" + stepID + "_output"
}

// StepFileAnchor names the anchor holding a completed step's first file of
// media type m.
func StepFileAnchor(stepID string, m MediaType) string {
	return "step_" + stepID + "_" + string(m)
}

// SeedTable builds the initial table for an execution. Input anchors are set
// first, one set per Input step in execution order, then caller params are
// applied on top so they override anchors of the same name. steps must be
// sorted.
func SeedTable(steps []Step, in ExecutionInput) *SubstitutionTable {
	t := NewSubstitutionTable()

	n := 0
	for _, s := range steps {
		spec, ok := s.Spec.(InputSpec)
		if !ok {
			continue
		}
		n++

		eff := StepOutput{Text: in.Text, Files: in.Files}
		if o, ok := in.StepInputs[s.ID]; ok {
			eff = o
		}

		accepts := spec.Accepts
		if len(accepts) == 0 {
			accepts = append([]MediaType{MediaText}, FileMediaTypes...)
		}
		for _, m := range accepts {
			if m == MediaText {
				if eff.Text != "" {
					t.Set(InputAnchor(n, MediaText), eff.Text)
				}
				continue
			}
			if f, ok := eff.FirstFile(m); ok && f.URL != "" {
				t.Set(InputAnchor(n, m), f.URL)
			}
		}
	}

	for name, v := range in.Params {
		if name == InputPlaceholder {
			continue
		}
		t.Set(name, v)
	}
	return t
}

// AddStepAnchors publishes a completed step's output.
func (t *SubstitutionTable) AddStepAnchors(stepID string, out StepOutput) {
	t.Set(StepOutputAnchor(stepID), out.Text)
	for _, m := range FileMediaTypes {
		if f, ok := out.FirstFile(m); ok {
			t.Set(StepFileAnchor(stepID, m), f.URL)
		}
	}
}

// AddParams folds a step's custom params into the table.
func (t *SubstitutionTable) AddParams(params []Param) {
	for _, p := range params {
		if p.Name == "" || p.Name == InputPlaceholder {
			continue
		}
		t.Set(p.Name, p.Value)
	}
}
