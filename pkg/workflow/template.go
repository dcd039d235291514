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
	"regexp"
	"strings"
)

// InputPlaceholder is the reserved name bound to a step's live input text
// by the executor. The substitution table never resolves it.
const InputPlaceholder = "input"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// LookupFunc returns the value bound to name.
type LookupFunc func(name string) (string, bool)

// ResolveString replaces every {{name}} in s for which lookup reports a
// value. {{input}} and unknown names are left as written. Substitution is a
// single pass, so values containing braces are not re-expanded.
func ResolveString(s string, lookup LookupFunc) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if name == InputPlaceholder {
			return m
		}
		if v, ok := lookup(name); ok {
			return v
		}
		return m
	})
}

// ResolveValue applies ResolveString through strings, string slices, generic
// slices and maps. Other values are returned unchanged. Containers are
// copied.
func ResolveValue(v any, lookup LookupFunc) any {
	switch val := v.(type) {
	case string:
		return ResolveString(val, lookup)
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = ResolveString(s, lookup)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ResolveValue(e, lookup)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = ResolveString(s, lookup)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ResolveValue(e, lookup)
		}
		return out
	default:
		return v
	}
}

// BindInput replaces every {{input}} in s with text.
func BindInput(s, text string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return ResolveStringAll(s, func(name string) (string, bool) {
		if name == InputPlaceholder {
			return text, true
		}
		return "", false
	})
}

// BindInputValue applies BindInput through the same containers as
// ResolveValue.
func BindInputValue(v any, text string) any {
	switch val := v.(type) {
	case string:
		return BindInput(val, text)
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = BindInput(s, text)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = BindInputValue(e, text)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = BindInput(s, text)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = BindInputValue(e, text)
		}
		return out
	default:
		return v
	}
}

// ResolveStringAll is ResolveString without the reserved-name exemption.
func ResolveStringAll(s string, lookup LookupFunc) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := lookup(placeholderPattern.FindStringSubmatch(m)[1]); ok {
			return v
		}
		return m
	})
}

// HasInputPlaceholder reports whether s references {{input}}.
func HasInputPlaceholder(s string) bool {
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		if m[1] == InputPlaceholder {
			return true
		}
	}
	return false
}

// IsUnresolved reports whether s still contains any placeholder.
func IsUnresolved(s string) bool {
	return placeholderPattern.MatchString(s)
}

// Placeholders returns the distinct names referenced in s, in order.
func Placeholders(s string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
