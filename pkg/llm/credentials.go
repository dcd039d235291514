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
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredential is returned by provider factories when no API key is
// configured. The registry treats it as "leave inactive", not as a failure.
var ErrMissingCredential = errors.New("credential not configured")

// Credentials holds authentication and endpoint settings for one provider.
type Credentials struct {
	// APIKey is the authentication token for the provider's API.
	APIKey string

	// BaseURL is an optional override for the API endpoint.
	BaseURL string

	// Options holds provider-specific settings (default model, voice id, ...).
	Options map[string]string
}

// Validate checks that the API key is present.
func (c Credentials) Validate() error {
	if c.APIKey == "" {
		return ErrMissingCredential
	}
	return nil
}

// Option returns the named option or def when unset.
func (c Credentials) Option(name, def string) string {
	if v := c.Options[name]; v != "" {
		return v
	}
	return def
}

// Redacted returns a safe-to-log rendering.
func (c Credentials) Redacted() string {
	masked := maskSecret(c.APIKey)
	if c.BaseURL != "" {
		return fmt.Sprintf("APIKey: %s, BaseURL: %s", masked, c.BaseURL)
	}
	return fmt.Sprintf("APIKey: %s", masked)
}

// maskSecret shows the first and last 4 characters of a secret.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
