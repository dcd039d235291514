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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/tombee/modelchain/pkg/errors"
)

var (
	// ErrAllProvidersFailed indicates no attempt in the chain produced content.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrCircuitOpen indicates the circuit breaker is open for a provider.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrEmptyContent indicates a provider answered without usable text.
	ErrEmptyContent = errors.New("provider returned no content")
)

// ChainConfig configures a FallbackChain.
type ChainConfig struct {
	// CircuitBreakerThreshold is the number of consecutive failures before a
	// provider is skipped. 0 disables the breaker.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long an open circuit stays open.
	CircuitBreakerTimeout time.Duration

	// OnFailover is called when an attempt fails and a later one will be tried.
	OnFailover func(from, to string, err error)
}

// DefaultChainConfig returns the settings used by the hosted text executor.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// Attempt is one provider call in a chain. Each attempt carries its own
// request so later providers can receive extra content, such as vision
// parts, that earlier ones cannot take.
type Attempt struct {
	Provider string
	Request  CompletionRequest
}

// FallbackChain tries attempts in order until one returns non-empty content.
// Unactivated providers are skipped without counting as failures.
type FallbackChain struct {
	registry *Registry
	config   ChainConfig
	breaker  *circuitBreaker
}

// NewFallbackChain creates a chain over the registry's providers.
func NewFallbackChain(registry *Registry, config ChainConfig) *FallbackChain {
	fc := &FallbackChain{registry: registry, config: config}
	if config.CircuitBreakerThreshold > 0 {
		fc.breaker = newCircuitBreaker(config.CircuitBreakerThreshold, config.CircuitBreakerTimeout)
	}
	return fc
}

// Complete runs the attempts in order and returns the first usable response
// together with the name of the provider that produced it.
func (f *FallbackChain) Complete(ctx context.Context, attempts ...Attempt) (*CompletionResponse, string, error) {
	var (
		lastErr error
		tried   []string
	)

	for i, a := range attempts {
		if f.breaker != nil && !f.breaker.allowRequest(a.Provider) {
			lastErr = fmt.Errorf("%w for provider %s", ErrCircuitOpen, a.Provider)
			tried = append(tried, a.Provider)
			continue
		}

		p, err := f.registry.Get(a.Provider)
		if err != nil {
			lastErr = err
			tried = append(tried, a.Provider)
			continue
		}

		resp, err := p.Complete(ctx, a.Request)
		if err == nil && strings.TrimSpace(resp.Content) == "" {
			err = ErrEmptyContent
		}
		if err == nil {
			if f.breaker != nil {
				f.breaker.recordSuccess(a.Provider)
			}
			return resp, a.Provider, nil
		}

		if f.breaker != nil {
			f.breaker.recordFailure(a.Provider)
		}
		lastErr = err
		tried = append(tried, a.Provider)

		if f.config.OnFailover != nil && i+1 < len(attempts) {
			f.config.OnFailover(a.Provider, attempts[i+1].Provider, err)
		}
	}

	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	var provErr *pkgerrors.ProviderError
	if errors.As(lastErr, &provErr) {
		return nil, "", fmt.Errorf("%w (tried: %v): %w", ErrAllProvidersFailed, tried, lastErr)
	}
	return nil, "", &pkgerrors.ProviderError{
		Provider:   "fallback",
		Message:    fmt.Sprintf("all providers failed (tried: %v)", tried),
		Suggestion: "Check provider credentials and availability",
		Cause:      errors.Join(ErrAllProvidersFailed, lastErr),
	}
}

// CircuitStatus returns the breaker state per provider.
func (f *FallbackChain) CircuitStatus() map[string]CircuitBreakerStatus {
	if f.breaker == nil {
		return nil
	}
	return f.breaker.getStatus()
}

// CircuitBreakerStatus is a snapshot of one provider's breaker.
type CircuitBreakerStatus struct {
	Open                bool
	ConsecutiveFailures int
	LastFailureTime     time.Time
}

type circuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*CircuitBreakerStatus
	threshold int
	timeout   time.Duration
	now       func() time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		states:    make(map[string]*CircuitBreakerStatus),
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (cb *circuitBreaker) allowRequest(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st, ok := cb.states[name]
	if !ok || !st.Open {
		return true
	}
	// half-open: let one request through after the cool-down
	if cb.now().Sub(st.LastFailureTime) > cb.timeout {
		st.Open = false
		st.ConsecutiveFailures = 0
		return true
	}
	return false
}

func (cb *circuitBreaker) recordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.states[name] = &CircuitBreakerStatus{}
}

func (cb *circuitBreaker) recordFailure(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st, ok := cb.states[name]
	if !ok {
		st = &CircuitBreakerStatus{}
		cb.states[name] = st
	}
	st.ConsecutiveFailures++
	st.LastFailureTime = cb.now()
	if st.ConsecutiveFailures >= cb.threshold {
		st.Open = true
	}
}

func (cb *circuitBreaker) getStatus() map[string]CircuitBreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[string]CircuitBreakerStatus, len(cb.states))
	for name, st := range cb.states {
		out[name] = *st
	}
	return out
}
