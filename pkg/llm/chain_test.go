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
	"testing"
	"time"

	pkgerrors "github.com/tombee/modelchain/pkg/errors"
)

func userMsg(s string) CompletionRequest {
	return CompletionRequest{Messages: []Message{{Role: MessageRoleUser, Content: s}}}
}

func TestFallbackChain_PrimarySucceeds(t *testing.T) {
	r := NewRegistry()
	primary := &stubProvider{name: "anthropic", content: "from anthropic"}
	secondary := &stubProvider{name: "openai", content: "from openai"}
	_ = r.Register(primary)
	_ = r.Register(secondary)

	chain := NewFallbackChain(r, ChainConfig{})
	resp, used, err := chain.Complete(context.Background(),
		Attempt{Provider: "anthropic", Request: userMsg("hi")},
		Attempt{Provider: "openai", Request: userMsg("hi")},
	)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if used != "anthropic" || resp.Content != "from anthropic" {
		t.Errorf("got %q from %s", resp.Content, used)
	}
	if secondary.calls != 0 {
		t.Error("secondary should not be called")
	}
}

func TestFallbackChain_SkipsInactiveSilently(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("anthropic", func(Credentials) (Provider, error) { return nil, ErrMissingCredential })
	_, _ = r.Activate("anthropic", Credentials{})
	_ = r.Register(&stubProvider{name: "openai", content: "ok"})

	var failovers int
	chain := NewFallbackChain(r, ChainConfig{OnFailover: func(string, string, error) { failovers++ }})
	_, used, err := chain.Complete(context.Background(),
		Attempt{Provider: "anthropic", Request: userMsg("hi")},
		Attempt{Provider: "openai", Request: userMsg("hi")},
	)
	if err != nil || used != "openai" {
		t.Fatalf("Complete = %s, %v", used, err)
	}
	if failovers != 0 {
		t.Error("skipping an inactive provider should not be reported as a failover")
	}
}

func TestFallbackChain_EmptyContentFallsBack(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&stubProvider{name: "anthropic", content: "   "})
	openai := &stubProvider{name: "openai", content: "real answer"}
	_ = r.Register(openai)

	var from, to string
	chain := NewFallbackChain(r, ChainConfig{OnFailover: func(f, t string, err error) {
		from, to = f, t
		if !errors.Is(err, ErrEmptyContent) {
			panic("unexpected failover error")
		}
	}})

	vision := userMsg("describe")
	vision.Messages[0].Images = []string{"https://x/cat.png"}
	resp, used, err := chain.Complete(context.Background(),
		Attempt{Provider: "anthropic", Request: userMsg("describe")},
		Attempt{Provider: "openai", Request: vision},
	)
	if err != nil || used != "openai" || resp.Content != "real answer" {
		t.Fatalf("Complete = %v, %s, %v", resp, used, err)
	}
	if from != "anthropic" || to != "openai" {
		t.Errorf("failover %s->%s", from, to)
	}
	if len(openai.lastReq.Messages[0].Images) != 1 {
		t.Error("fallback attempt should carry its own request")
	}
}

func TestFallbackChain_AllFail(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&stubProvider{name: "openai", err: &pkgerrors.ProviderError{Provider: "openai", StatusCode: 500, Message: "boom"}})

	chain := NewFallbackChain(r, ChainConfig{})
	_, _, err := chain.Complete(context.Background(), Attempt{Provider: "openai", Request: userMsg("hi")})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Errorf("err = %v, want ErrAllProvidersFailed", err)
	}
	var provErr *pkgerrors.ProviderError
	if !errors.As(err, &provErr) || provErr.StatusCode != 500 {
		t.Errorf("original ProviderError should be preserved, got %v", err)
	}
}

func TestFallbackChain_CircuitBreaker(t *testing.T) {
	r := NewRegistry()
	flaky := &stubProvider{name: "anthropic", err: errors.New("down")}
	_ = r.Register(flaky)
	_ = r.Register(&stubProvider{name: "openai", content: "ok"})

	chain := NewFallbackChain(r, ChainConfig{CircuitBreakerThreshold: 2, CircuitBreakerTimeout: time.Hour})
	attempts := []Attempt{
		{Provider: "anthropic", Request: userMsg("hi")},
		{Provider: "openai", Request: userMsg("hi")},
	}
	for i := 0; i < 4; i++ {
		if _, _, err := chain.Complete(context.Background(), attempts...); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if flaky.calls != 2 {
		t.Errorf("flaky provider called %d times, want 2 before the circuit opens", flaky.calls)
	}
	if st := chain.CircuitStatus()["anthropic"]; !st.Open {
		t.Error("circuit should be open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := newCircuitBreaker(1, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.recordFailure("p")
	if cb.allowRequest("p") {
		t.Fatal("circuit should be open")
	}
	now = now.Add(2 * time.Minute)
	if !cb.allowRequest("p") {
		t.Fatal("circuit should half-open after timeout")
	}
}
