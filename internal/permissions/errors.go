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

package permissions

import (
	"fmt"
	"strings"
)

// PermissionError is returned when the host policy refuses an outbound call.
// The message does not reveal whether the host exists.
type PermissionError struct {
	// Type is the rule that denied the request ("network.blocked", "network.host_denied").
	Type string

	// Resource is the host that was denied.
	Resource string

	// Allowed lists the configured allow patterns, if any.
	Allowed []string

	Message string
}

func (e *PermissionError) Error() string {
	parts := []string{fmt.Sprintf("permission denied: %s", e.Type)}
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource: %s", e.Resource))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(e.Allowed) > 0 {
		parts = append(parts, fmt.Sprintf("allowed: %s", strings.Join(e.Allowed, ", ")))
	}
	return strings.Join(parts, "; ")
}

// ErrorType implements errors.ErrorClassifier.
func (e *PermissionError) ErrorType() string { return "permission" }

// IsRetryable implements errors.ErrorClassifier.
func (e *PermissionError) IsRetryable() bool { return false }
