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

package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	pkgerrors "github.com/tombee/modelchain/pkg/errors"
)

var (
	// ErrProviderNotActivated indicates the provider factory is registered but
	// the provider has not been activated.
	ErrProviderNotActivated = errors.New("provider not activated")

	// ErrFactoryNotFound indicates no factory is registered for the provider.
	ErrFactoryNotFound = errors.New("provider factory not found")
)

// ProviderFactory creates a Provider from credentials. Factories return
// ErrMissingCredential when the provider cannot run without a key.
type ProviderFactory func(creds Credentials) (Provider, error)

// Registry holds provider factories and the providers activated from them.
// A registry is constructed per process and passed to the executors; there
// is no package-level instance.
type Registry struct {
	mu              sync.RWMutex
	factories       map[string]ProviderFactory
	providers       map[string]Provider
	defaultProvider string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		providers: make(map[string]Provider),
	}
}

// RegisterFactory registers a factory. Registering a name twice replaces it.
func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Activate instantiates a provider from its factory. A missing credential
// leaves the provider inactive and is reported as (false, nil).
func (r *Registry) Activate(name string, creds Credentials) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrFactoryNotFound, name)
	}
	if _, ok := r.providers[name]; ok {
		return true, nil
	}

	p, err := factory(creds)
	if errors.Is(err, ErrMissingCredential) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to activate provider %s: %w", name, err)
	}
	r.providers[name] = p
	return true, nil
}

// Register adds an already constructed provider.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return &pkgerrors.ValidationError{Field: "provider", Message: "provider must be non-nil and named"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	return nil
}

// Get returns an activated provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if _, ok := r.factories[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotActivated, name)
	}
	return nil, &pkgerrors.NotFoundError{Resource: "provider", ID: name}
}

// IsActive reports whether the provider has been activated.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// SetDefault names the default hosted provider. The provider need not be
// active yet.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultProvider = name
}

// DefaultName returns the configured default provider name.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultProvider
}

// GetDefault returns the default provider.
func (r *Registry) GetDefault() (Provider, error) {
	name := r.DefaultName()
	if name == "" {
		return nil, &pkgerrors.ConfigError{Key: "providers.default", Reason: "no default provider configured"}
	}
	return r.Get(name)
}

// ListActive returns the names of all activated providers, sorted.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the activated provider implementing capability T.
func Lookup[T any](r *Registry, name string) (T, error) {
	var zero T
	p, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	c, ok := p.(T)
	if !ok {
		return zero, &pkgerrors.ConfigError{
			Key:    "providers." + name,
			Reason: fmt.Sprintf("provider %s does not support %T", name, &zero),
		}
	}
	return c, nil
}
