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
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/modelchain/internal/tracing"
)

// redactedParams are substrings of query parameter names whose values never
// reach the logs. Matching is case-insensitive.
var redactedParams = []string{"key", "token", "secret", "password", "auth", "credential", "signature"}

type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
}

func newLoggingTransport(base http.RoundTripper, userAgent string) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, userAgent: userAgent}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	tracing.InjectIntoRequest(req.Context(), req)

	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		"method", req.Method,
		"url", sanitizeURL(req.URL),
		"duration_ms", time.Since(start).Milliseconds(),
	}

	if err != nil {
		slog.WarnContext(req.Context(), "http request failed", append(attrs, "error", err.Error())...)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	slog.Log(req.Context(), level, "http request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}

// sanitizeURL strips credentials from a URL before it is logged.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u
	safe.User = nil

	q := safe.Query()
	for name := range q {
		if isRedacted(name) {
			q.Set(name, "[REDACTED]")
		}
	}
	safe.RawQuery = q.Encode()
	return safe.String()
}

func isRedacted(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range redactedParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
