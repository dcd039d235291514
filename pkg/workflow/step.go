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
	"encoding/json"
	"fmt"

	"github.com/tombee/modelchain/pkg/errors"
)

// StepKind is the discriminator of a step's variant.
type StepKind string

const (
	KindInput       StepKind = "input"
	KindOutput      StepKind = "output"
	KindHostedModel StepKind = "hosted_model"
	KindMarketplace StepKind = "marketplace_model"
	KindGenericHTTP StepKind = "generic_http"
)

// Valid reports whether k names one of the five step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case KindInput, KindOutput, KindHostedModel, KindMarketplace, KindGenericHTTP:
		return true
	}
	return false
}

// Visible reports whether steps of this kind are exposed to progress
// observers. Input and Output steps are recorded but hidden.
func (k StepKind) Visible() bool {
	return k != KindInput && k != KindOutput
}

// Step is one node of a workflow. The kind-specific configuration lives in
// Spec; the remaining fields are shared by every kind.
type Step struct {
	ID       string
	Name     string
	Order    int
	MediaIn  MediaType
	MediaOut MediaType

	// CustomParams are folded into the substitution table when the
	// controller reaches this step.
	CustomParams []Param

	// FileBindings name substitution-table entries whose values are file
	// URLs to attach to the step's input before dispatch.
	FileBindings []string

	Spec StepSpec
}

// Kind returns the step's discriminator, or "" when no spec is set.
func (s Step) Kind() StepKind {
	if s.Spec == nil {
		return ""
	}
	return s.Spec.Kind()
}

// Visible reports whether the step is exposed to progress observers.
func (s Step) Visible() bool { return s.Kind().Visible() }

// DisplayName returns Name, falling back to ID.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Resolve returns a copy of the step with every templated field resolved
// against t. The receiver is not modified.
func (s Step) Resolve(t *SubstitutionTable) Step {
	out := s
	if s.Spec != nil {
		out.Spec = s.Spec.resolve(t)
	}
	return out
}

// StepSpec is the sealed set of step variants. Dispatch over it must be an
// exhaustive type switch.
type StepSpec interface {
	Kind() StepKind
	resolve(t *SubstitutionTable) StepSpec
	isStepSpec()
}

// InputSpec is a user-input boundary.
type InputSpec struct {
	Accepts []MediaType `json:"accepts,omitempty" yaml:"accepts,omitempty"`
}

// OutputSpec is a terminal marker.
type OutputSpec struct{}

// HostedModelSpec calls a model served by one of the hosted providers.
type HostedModelSpec struct {
	Model  string         `json:"model" yaml:"model"`
	Prompt string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// MarketplaceSpec calls a model hosted on the third-party marketplace.
// OutputPath, when set, is a jq path applied to the prediction output
// before it is mapped onto the step output.
type MarketplaceSpec struct {
	Model      string         `json:"model" yaml:"model"`
	Prompt     string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	OutputPath string         `json:"output_path,omitempty" yaml:"output_path,omitempty"`
}

// HTTPSpec is a generic outbound HTTP call.
type HTTPSpec struct {
	Method       string            `json:"method" yaml:"method"`
	URL          string            `json:"url" yaml:"url"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Params       map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	ResultFields []ResultField     `json:"result_fields,omitempty" yaml:"result_fields,omitempty"`
}

// ResultField maps a jq path in the response body onto the step output.
// Text fields are joined into StepOutput.Text; file media types become files.
type ResultField struct {
	Name      string    `json:"name" yaml:"name"`
	Path      string    `json:"path" yaml:"path"`
	MediaType MediaType `json:"media_type,omitempty" yaml:"media_type,omitempty"`
}

func (InputSpec) Kind() StepKind       { return KindInput }
func (OutputSpec) Kind() StepKind      { return KindOutput }
func (HostedModelSpec) Kind() StepKind { return KindHostedModel }
func (MarketplaceSpec) Kind() StepKind { return KindMarketplace }
func (HTTPSpec) Kind() StepKind        { return KindGenericHTTP }

func (InputSpec) isStepSpec()       {}
func (OutputSpec) isStepSpec()      {}
func (HostedModelSpec) isStepSpec() {}
func (MarketplaceSpec) isStepSpec() {}
func (HTTPSpec) isStepSpec()        {}

func (s InputSpec) resolve(*SubstitutionTable) StepSpec {
	s.Accepts = append([]MediaType(nil), s.Accepts...)
	return s
}

func (s OutputSpec) resolve(*SubstitutionTable) StepSpec { return s }

func (s HostedModelSpec) resolve(t *SubstitutionTable) StepSpec {
	s.Prompt = t.Resolve(s.Prompt)
	s.Params = resolveMap(t, s.Params)
	return s
}

func (s MarketplaceSpec) resolve(t *SubstitutionTable) StepSpec {
	s.Prompt = t.Resolve(s.Prompt)
	s.Params = resolveMap(t, s.Params)
	return s
}

func (s HTTPSpec) resolve(t *SubstitutionTable) StepSpec {
	s.URL = t.Resolve(s.URL)
	if s.Headers != nil {
		h := make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			h[k] = t.Resolve(v)
		}
		s.Headers = h
	}
	s.Params = resolveMap(t, s.Params)
	if s.ResultFields != nil {
		fields := make([]ResultField, len(s.ResultFields))
		for i, f := range s.ResultFields {
			f.Path = t.Resolve(f.Path)
			fields[i] = f
		}
		s.ResultFields = fields
	}
	return s
}

func resolveMap(t *SubstitutionTable, m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := t.ResolveValue(m).(map[string]any)
	return out
}

// stepWire is the on-disk shape of a step: shared fields plus one
// kind-specific block selected by kind.
type stepWire struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name,omitempty" yaml:"name,omitempty"`
	Order        int       `json:"order" yaml:"order"`
	Kind         StepKind  `json:"kind" yaml:"kind"`
	MediaIn      MediaType `json:"media_in,omitempty" yaml:"media_in,omitempty"`
	MediaOut     MediaType `json:"media_out,omitempty" yaml:"media_out,omitempty"`
	CustomParams []Param   `json:"custom_params,omitempty" yaml:"custom_params,omitempty"`
	FileBindings []string  `json:"file_bindings,omitempty" yaml:"file_bindings,omitempty"`

	Input       *InputSpec       `json:"input,omitempty" yaml:"input,omitempty"`
	HostedModel *HostedModelSpec `json:"hosted_model,omitempty" yaml:"hosted_model,omitempty"`
	Marketplace *MarketplaceSpec `json:"marketplace_model,omitempty" yaml:"marketplace_model,omitempty"`
	HTTP        *HTTPSpec        `json:"generic_http,omitempty" yaml:"generic_http,omitempty"`
}

func (w stepWire) step() (Step, error) {
	s := Step{
		ID:           w.ID,
		Name:         w.Name,
		Order:        w.Order,
		MediaIn:      w.MediaIn,
		MediaOut:     w.MediaOut,
		CustomParams: w.CustomParams,
		FileBindings: w.FileBindings,
	}

	switch w.Kind {
	case KindInput:
		if w.Input != nil {
			s.Spec = *w.Input
		} else {
			s.Spec = InputSpec{}
		}
	case KindOutput:
		s.Spec = OutputSpec{}
	case KindHostedModel:
		if w.HostedModel == nil {
			return s, missingBlock(w)
		}
		s.Spec = *w.HostedModel
	case KindMarketplace:
		if w.Marketplace == nil {
			return s, missingBlock(w)
		}
		s.Spec = *w.Marketplace
	case KindGenericHTTP:
		if w.HTTP == nil {
			return s, missingBlock(w)
		}
		s.Spec = *w.HTTP
	default:
		return s, &errors.ConfigError{
			Key:    fmt.Sprintf("steps.%s.kind", w.ID),
			Reason: fmt.Sprintf("unknown step kind %q", w.Kind),
		}
	}
	return s, nil
}

func missingBlock(w stepWire) error {
	return &errors.ConfigError{
		Key:    fmt.Sprintf("steps.%s.%s", w.ID, w.Kind),
		Reason: fmt.Sprintf("%s step requires a %q block", w.Kind, w.Kind),
	}
}

func (s Step) wire() stepWire {
	w := stepWire{
		ID:           s.ID,
		Name:         s.Name,
		Order:        s.Order,
		Kind:         s.Kind(),
		MediaIn:      s.MediaIn,
		MediaOut:     s.MediaOut,
		CustomParams: s.CustomParams,
		FileBindings: s.FileBindings,
	}
	switch spec := s.Spec.(type) {
	case InputSpec:
		if len(spec.Accepts) > 0 {
			w.Input = &spec
		}
	case OutputSpec:
	case HostedModelSpec:
		w.HostedModel = &spec
	case MarketplaceSpec:
		w.Marketplace = &spec
	case HTTPSpec:
		w.HTTP = &spec
	}
	return w
}

// UnmarshalYAML decodes the kind discriminator and its matching block.
func (s *Step) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var w stepWire
	if err := unmarshal(&w); err != nil {
		return err
	}
	step, err := w.step()
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// MarshalYAML encodes the step in its on-disk shape.
func (s Step) MarshalYAML() (interface{}, error) {
	return s.wire(), nil
}

// UnmarshalJSON mirrors UnmarshalYAML for API payloads.
func (s *Step) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	step, err := w.step()
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// MarshalJSON encodes the step in its on-disk shape.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.wire())
}
