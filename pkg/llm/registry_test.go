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

	pkgerrors "github.com/tombee/modelchain/pkg/errors"
)

type stubProvider struct {
	name    string
	content string
	err     error
	calls   int
	lastReq CompletionRequest
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{Content: s.content, Model: req.Model}, nil
}

type stubImager struct{ stubProvider }

func (s *stubImager) GenerateImage(context.Context, ImageRequest) (*ImageResult, error) {
	return &ImageResult{URL: "https://img.example/1.png"}, nil
}

func TestRegistry_ActivateMissingCredentialLeavesInactive(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("openai", func(c Credentials) (Provider, error) {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &stubProvider{name: "openai"}, nil
	})

	active, err := r.Activate("openai", Credentials{})
	if err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if active || r.IsActive("openai") {
		t.Fatal("provider without credential should stay inactive")
	}

	_, err = r.Get("openai")
	if !errors.Is(err, ErrProviderNotActivated) {
		t.Errorf("Get = %v, want ErrProviderNotActivated", err)
	}

	active, err = r.Activate("openai", Credentials{APIKey: "sk-test"})
	if err != nil || !active {
		t.Fatalf("Activate with key = %v, %v", active, err)
	}
	if got := r.ListActive(); len(got) != 1 || got[0] != "openai" {
		t.Errorf("ListActive = %v", got)
	}
}

func TestRegistry_ActivateUnknownFactory(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Activate("nope", Credentials{APIKey: "x"}); !errors.Is(err, ErrFactoryNotFound) {
		t.Errorf("Activate = %v, want ErrFactoryNotFound", err)
	}

	var nf *pkgerrors.NotFoundError
	if _, err := r.Get("nope"); !errors.As(err, &nf) {
		t.Errorf("Get = %v, want NotFoundError", err)
	}
}

func TestRegistry_Default(t *testing.T) {
	r := NewRegistry()
	if _, err := r.GetDefault(); err == nil {
		t.Fatal("expected error with no default")
	}

	_ = r.Register(&stubProvider{name: "openai"})
	r.SetDefault("openai")
	p, err := r.GetDefault()
	if err != nil || p.Name() != "openai" {
		t.Fatalf("GetDefault = %v, %v", p, err)
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&stubImager{stubProvider{name: "openai"}})
	_ = r.Register(&stubProvider{name: "anthropic"})

	if _, err := Lookup[ImageGenerator](r, "openai"); err != nil {
		t.Errorf("Lookup openai: %v", err)
	}

	var cfgErr *pkgerrors.ConfigError
	if _, err := Lookup[ImageGenerator](r, "anthropic"); !errors.As(err, &cfgErr) {
		t.Errorf("Lookup anthropic = %v, want ConfigError", err)
	}
}

func TestCredentials_Redacted(t *testing.T) {
	c := Credentials{APIKey: "sk-abcdefghijkl", BaseURL: "http://local"}
	if got := c.Redacted(); got != "APIKey: sk-a*******ijkl, BaseURL: http://local" {
		t.Errorf("Redacted = %q", got)
	}
	if got := c.Option("voice", "alloy"); got != "alloy" {
		t.Errorf("Option default = %q", got)
	}
}
