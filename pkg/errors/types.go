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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for malformed workflow definitions, bad execution input, or
// constraint violations detected before any step runs.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution", "model")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ProviderError represents model provider failures.
// Use this for errors originating from hosted model, marketplace or
// generic HTTP endpoints.
type ProviderError struct {
	// Provider is the name of the provider (e.g., "openai", "replicate")
	Provider string

	// Code is the provider-specific error code
	Code int

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ProviderError) ErrorType() string { return "provider" }

// IsRetryable reports whether the failure looks transient (5xx, 429, 408).
func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, unknown step
// kinds, or models that cannot be resolved.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "providers.openai.api_key")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "provider request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// BalanceError is returned at admission when the caller cannot cover the
// estimated cost of an execution.
type BalanceError struct {
	UserID    string
	Required  int64
	Available int64
}

// Error implements the error interface.
func (e *BalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: need %d credits, have %d", e.UserID, e.Required, e.Available)
}

// ErrorType implements ErrorClassifier.
func (e *BalanceError) ErrorType() string { return "balance" }

// IsRetryable implements ErrorClassifier.
func (e *BalanceError) IsRetryable() bool { return false }

// IsUserVisible implements UserVisibleError.
func (e *BalanceError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *BalanceError) UserMessage() string {
	return fmt.Sprintf("This workflow costs %d credits but only %d are available.", e.Required, e.Available)
}

// Suggestion implements UserVisibleError.
func (e *BalanceError) Suggestion() string { return "Top up your balance and try again" }

// SignupRequiredError is returned when an anonymous caller has already used
// its single trial execution.
type SignupRequiredError struct {
	Identity string
}

// Error implements the error interface.
func (e *SignupRequiredError) Error() string {
	return fmt.Sprintf("signup required: anonymous trial already used by %s", e.Identity)
}

// ErrorType implements ErrorClassifier.
func (e *SignupRequiredError) ErrorType() string { return "signup_required" }

// IsRetryable implements ErrorClassifier.
func (e *SignupRequiredError) IsRetryable() bool { return false }

// IsUserVisible implements UserVisibleError.
func (e *SignupRequiredError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *SignupRequiredError) UserMessage() string {
	return "You have used your free run."
}

// Suggestion implements UserVisibleError.
func (e *SignupRequiredError) Suggestion() string { return "Create an account to keep running workflows" }
