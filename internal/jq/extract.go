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

// Package jq evaluates result-field expressions against decoded JSON
// responses from Generic-HTTP and marketplace steps.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds one expression evaluation.
	DefaultTimeout = time.Second

	// DefaultMaxInputSize is the largest response body evaluated (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Extractor compiles and caches jq expressions.
type Extractor struct {
	timeout      time.Duration
	maxInputSize int

	mu    sync.Mutex
	codes map[string]*gojq.Code
}

// New creates an extractor. Zero values select the defaults.
func New(timeout time.Duration, maxInputSize int) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Extractor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		codes:        make(map[string]*gojq.Code),
	}
}

// Normalize accepts both jq syntax (".data[0].url") and the bare dotted
// form ("data[0].url") used in step definitions.
func Normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || strings.HasPrefix(path, ".") || strings.HasPrefix(path, "$") ||
		strings.Contains(path, "|") || strings.HasPrefix(path, "[") {
		return path
	}
	return "." + path
}

// Validate reports whether path compiles.
func (e *Extractor) Validate(path string) error {
	_, err := e.compile(Normalize(path))
	return err
}

// Decode parses a raw JSON body, enforcing the input size limit.
func (e *Extractor) Decode(body []byte) (any, error) {
	if len(body) > e.maxInputSize {
		return nil, fmt.Errorf("response size (%d bytes) exceeds maximum (%d bytes)", len(body), e.maxInputSize)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	return v, nil
}

// Query evaluates path against data and returns every non-null result.
func (e *Extractor) Query(ctx context.Context, path string, data any) ([]any, error) {
	path = Normalize(path)
	if path == "" {
		return []any{data}, nil
	}
	code, err := e.compile(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out []any
	iter := code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("evaluating %s: timeout after %v", path, e.timeout)
			}
			return nil, fmt.Errorf("evaluating %s: %w", path, err)
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// Strings evaluates path and renders each result as a string. Arrays are
// flattened one level so a path yielding a list of URLs returns each URL.
func (e *Extractor) Strings(ctx context.Context, path string, data any) ([]string, error) {
	vals, err := e.Query(ctx, path, data)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range vals {
		if arr, ok := v.([]any); ok {
			for _, item := range arr {
				if item != nil {
					out = append(out, Stringify(item))
				}
			}
			continue
		}
		out = append(out, Stringify(v))
	}
	return out, nil
}

// Stringify renders a decoded JSON value as text. Strings are returned
// verbatim, other values as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func (e *Extractor) compile(path string) (*gojq.Code, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.codes[path]; ok {
		return code, nil
	}
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid result path %q: %w", path, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("result path %q failed to compile: %w", path, err)
	}
	e.codes[path] = code
	return code, nil
}
