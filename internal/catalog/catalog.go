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

// Package catalog is the model and pricing catalog. It maps a model
// identifier onto the category, provider and per-use cost the executors
// and the billing estimate rely on.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/workflow"
)

// Operation selects the sub-operation of an audio model.
type Operation string

const (
	OpTranscribe    Operation = "transcribe"
	OpSpeech        Operation = "speech"
	OpPremiumSpeech Operation = "premium_speech"
)

// Entry describes one model.
type Entry struct {
	// ID is the identifier steps reference.
	ID string `yaml:"id" json:"id"`

	// Category is the media type the model produces.
	Category workflow.MediaType `yaml:"category" json:"category"`

	// Provider is the registry name of the preferred provider for hosted
	// models, or "replicate" for marketplace models.
	Provider string `yaml:"provider" json:"provider"`

	// CostPerUse is charged once per step that references the model.
	CostPerUse int64 `yaml:"cost_per_use" json:"cost_per_use"`

	// Endpoint overrides the provider-side model name or URL.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	IsMarketplace bool      `yaml:"marketplace,omitempty" json:"marketplace,omitempty"`
	Operation     Operation `yaml:"operation,omitempty" json:"operation,omitempty"`
}

// ProviderModel returns the model name to send to the provider.
func (e Entry) ProviderModel() string {
	if e.Endpoint != "" {
		return e.Endpoint
	}
	return e.ID
}

// File is the on-disk catalog format.
type File struct {
	Version string  `yaml:"version"`
	Models  []Entry `yaml:"models"`
}

// Catalog resolves model identifiers. It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns a catalog holding the built-in entries.
func New() *Catalog {
	c := &Catalog{entries: make(map[string]Entry)}
	for _, e := range builtIn() {
		c.entries[e.ID] = e
	}
	return c
}

// Load returns the built-in catalog merged with the file at path. Entries
// in the file replace built-ins with the same id. A missing file is not an
// error.
func Load(path string) (*Catalog, error) {
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	return &Catalog{entries: entries}, nil
}

// Reload replaces the catalog's entries with the built-ins merged with the
// file at path. On error the current entries are kept.
func (c *Catalog) Reload(path string) error {
	entries, err := readEntries(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

func readEntries(path string) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	for _, e := range builtIn() {
		entries[e.ID] = e
	}
	if path == "" {
		return entries, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for i, e := range f.Models {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("catalog model %d: %w", i, err)
		}
		entries[e.ID] = e
	}
	return entries, nil
}

func (e Entry) validate() error {
	if e.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "model id is required"}
	}
	if !e.Category.Valid() {
		return &errors.ValidationError{
			Field:      "category",
			Message:    fmt.Sprintf("model %s has unknown category %q", e.ID, e.Category),
			Suggestion: "use one of text, image, audio, video, document",
		}
	}
	if e.CostPerUse < 0 {
		return &errors.ValidationError{Field: "cost_per_use", Message: "cost cannot be negative"}
	}
	return nil
}

// Add registers or replaces an entry.
func (c *Catalog) Add(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.ID] = e
	return nil
}

// Resolve returns the entry for modelID.
func (c *Catalog) Resolve(modelID string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[modelID]
	if !ok {
		return Entry{}, &errors.NotFoundError{Resource: "model", ID: modelID}
	}
	return e, nil
}

// List returns all entries sorted by id.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EstimateCost sums the per-use cost of every model step. Unknown models
// count as free; validation reports them separately.
func (c *Catalog) EstimateCost(steps []workflow.Step) int64 {
	var total int64
	for _, s := range steps {
		var model string
		switch spec := s.Spec.(type) {
		case workflow.HostedModelSpec:
			model = spec.Model
		case workflow.MarketplaceSpec:
			model = spec.Model
		default:
			continue
		}
		if e, err := c.Resolve(model); err == nil {
			total += e.CostPerUse
		}
	}
	return total
}

// CheckWorkflow reports the first model step whose model is unknown or
// whose kind disagrees with the catalog entry.
func (c *Catalog) CheckWorkflow(wf *workflow.Workflow) error {
	for _, s := range wf.Steps {
		var (
			model       string
			marketplace bool
		)
		switch spec := s.Spec.(type) {
		case workflow.HostedModelSpec:
			model = spec.Model
		case workflow.MarketplaceSpec:
			model, marketplace = spec.Model, true
		default:
			continue
		}
		e, err := c.Resolve(model)
		if err != nil {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps.%s.model", s.ID),
				Message:    fmt.Sprintf("unknown model %q", model),
				Suggestion: "add the model to the catalog file",
			}
		}
		if e.IsMarketplace != marketplace {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.kind", s.ID),
				Message: fmt.Sprintf("model %q is not a %s model", model, s.Kind()),
			}
		}
	}
	return nil
}
