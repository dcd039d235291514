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

package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/modelchain/internal/tracing"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		errText string
	}{
		{name: "default is valid", mutate: func(*Config) {}},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, errText: "timeout"},
		{name: "negative retries", mutate: func(c *Config) { c.RetryAttempts = -1 }, errText: "retry_attempts"},
		{name: "zero backoff with retries", mutate: func(c *Config) { c.RetryBackoff = 0 }, errText: "retry_backoff"},
		{name: "max below base", mutate: func(c *Config) { c.MaxBackoff = time.Millisecond }, errText: "max_backoff"},
		{name: "empty user agent", mutate: func(c *Config) { c.UserAgent = "" }, errText: "user_agent"},
		{name: "no retries ignores backoff", mutate: func(c *Config) { c.RetryAttempts = 0; c.RetryBackoff = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errText == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errText) {
				t.Fatalf("expected error containing %q, got %v", tt.errText, err)
			}
		})
	}
}

func TestNew_SetsUserAgentAndCorrelationID(t *testing.T) {
	var gotUA, gotCorr string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCorr = r.Header.Get(tracing.HeaderCorrelationID)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.UserAgent = "test-agent/1.0"
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id := tracing.NewCorrelationID()
	ctx := tracing.ToContext(context.Background(), id)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if gotUA != "test-agent/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotCorr != id.String() {
		t.Errorf("correlation id = %q, want %q", gotCorr, id)
	}
}

func TestRetry_IdempotentRetriesOn5xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_PostIsNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(server.URL, "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ExhaustedReturnsLastResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := New(fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

type denyAll struct{}

func (denyAll) CheckHost(_ context.Context, host string) error {
	return errors.New("denied " + host)
}

func TestNew_HostPolicyRefusesRequest(t *testing.T) {
	var hit int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.Hosts = denyAll{}
	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Get(server.URL); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected policy error, got %v", err)
	}
	if hit != 0 {
		t.Error("request should not reach the server")
	}
}

func TestRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"2"}}}
	if got := retryAfter(resp); got != 2*time.Second {
		t.Errorf("retryAfter = %v, want 2s", got)
	}
	resp.Header.Set("Retry-After", "soon")
	if got := retryAfter(resp); got != 0 {
		t.Errorf("retryAfter(invalid) = %v, want 0", got)
	}
}

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.example.com/v1?foo=bar", "https://api.example.com/v1?foo=bar"},
		{"https://api.example.com/v1?api_key=abc&foo=bar", "https://api.example.com/v1?api_key=%5BREDACTED%5D&foo=bar"},
		{"https://api.example.com/v1?TOKEN=abc", "https://api.example.com/v1?TOKEN=%5BREDACTED%5D"},
		{"https://user:pw@api.example.com/v1", "https://api.example.com/v1"},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := sanitizeURL(u); got != tt.want {
			t.Errorf("sanitizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
