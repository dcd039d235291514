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
	"fmt"
	"time"
)

// HostChecker decides whether an outbound request may reach a host.
// Implementations return a non-nil error to refuse the request.
type HostChecker interface {
	CheckHost(ctx context.Context, host string) error
}

// Config configures a client built by New.
type Config struct {
	// Timeout bounds a whole request including retries. Must be > 0.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first try (0 disables).
	RetryAttempts int

	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration

	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration

	// UserAgent is set on requests that do not carry one. Required.
	UserAgent string

	// AllowNonIdempotentRetry enables retries for POST, PUT, PATCH and DELETE.
	// Provider calls that create predictions or bill usage must leave this off.
	AllowNonIdempotentRetry bool

	// Hosts, when set, is consulted before every request leaves the process.
	Hosts HostChecker
}

// DefaultConfig returns the settings used by provider clients.
func DefaultConfig() Config {
	return Config{
		Timeout:       60 * time.Second,
		RetryAttempts: 2,
		RetryBackoff:  200 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		UserAgent:     "modelchain-http/1.0",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}
	return nil
}
