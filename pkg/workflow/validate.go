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
	"net/http"
	"strings"

	"github.com/tombee/modelchain/pkg/errors"
)

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Validate checks the structural soundness of the workflow. It does not
// check that model identifiers exist in a catalog.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow must have at least one step",
			Suggestion: "add at least one step to the workflow definition",
		}
	}

	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return &errors.ValidationError{
				Field:      "id",
				Message:    "step ID is required",
				Suggestion: "add an 'id' field to each step",
			}
		}
		if ids[s.ID] {
			return &errors.ValidationError{
				Field:      "id",
				Message:    fmt.Sprintf("duplicate step ID: %s", s.ID),
				Suggestion: "ensure each step has a unique ID",
			}
		}
		ids[s.ID] = true

		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid step %s: %w", s.ID, err)
		}
	}

	for i, e := range w.Edges {
		for _, end := range []string{e.Source, e.Target} {
			if !ids[end] {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("edges[%d]", i),
					Message:    fmt.Sprintf("edge references unknown step %q", end),
					Suggestion: "edges must connect steps declared in this workflow",
				}
			}
		}
		if e.Source == e.Target {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("edges[%d]", i),
				Message: fmt.Sprintf("step %q cannot depend on itself", e.Source),
			}
		}
	}
	return nil
}

// Validate checks the step's kind-specific configuration.
func (s Step) Validate() error {
	for _, m := range []MediaType{s.MediaIn, s.MediaOut} {
		if m != "" && !m.Valid() {
			return &errors.ValidationError{
				Field:   "media",
				Message: fmt.Sprintf("unknown media type %q", m),
			}
		}
	}

	switch spec := s.Spec.(type) {
	case nil:
		return &errors.ValidationError{
			Field:      "kind",
			Message:    "step kind is required",
			Suggestion: "set kind to one of input, output, hosted_model, marketplace_model, generic_http",
		}
	case InputSpec:
		for _, m := range spec.Accepts {
			if !m.Valid() {
				return &errors.ValidationError{
					Field:      "input.accepts",
					Message:    fmt.Sprintf("unknown media type %q", m),
					Suggestion: "accepted types are text, image, audio, video, document",
				}
			}
		}
	case OutputSpec:
	case HostedModelSpec:
		if spec.Model == "" {
			return &errors.ValidationError{Field: "hosted_model.model", Message: "model is required"}
		}
	case MarketplaceSpec:
		if spec.Model == "" {
			return &errors.ValidationError{Field: "marketplace_model.model", Message: "model is required"}
		}
	case HTTPSpec:
		if !httpMethods[strings.ToUpper(spec.Method)] {
			return &errors.ValidationError{
				Field:      "generic_http.method",
				Message:    fmt.Sprintf("unsupported method %q", spec.Method),
				Suggestion: "use GET, POST, PUT, PATCH or DELETE",
			}
		}
		if spec.URL == "" {
			return &errors.ValidationError{Field: "generic_http.url", Message: "url is required"}
		}
		for i, f := range spec.ResultFields {
			if f.Path == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("generic_http.result_fields[%d].path", i),
					Message: "result field path is required",
				}
			}
			if f.MediaType != "" && !f.MediaType.Valid() {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("generic_http.result_fields[%d].media_type", i),
					Message: fmt.Sprintf("unknown media type %q", f.MediaType),
				}
			}
		}
	}
	return nil
}
