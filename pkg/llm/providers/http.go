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

// Package providers implements the hosted model and marketplace backends:
// openai (default chat, images, transcription and speech), anthropic
// (secondary chat), elevenlabs (premium speech) and replicate (marketplace
// predictions).
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/httpclient"
)

// maxErrorBody bounds how much of an error response is echoed into messages.
const maxErrorBody = 500

// NewHTTPClient returns the client shared by provider backends. Provider
// calls are POSTs that may bill usage, so the retry layer only covers the
// idempotent polling requests.
func NewHTTPClient(userAgent string) (*http.Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	if userAgent != "" {
		cfg.UserAgent = userAgent
	}
	return httpclient.New(cfg)
}

// apiCall is one JSON or raw request to a provider.
type apiCall struct {
	provider    string
	method      string
	url         string
	headers     map[string]string
	body        any
	rawBody     io.Reader
	contentType string
}

// do executes the call and returns the response body. Non-2xx answers become
// *errors.ProviderError carrying the bounded body text and a suggestion.
func do(ctx context.Context, client *http.Client, c apiCall) ([]byte, http.Header, error) {
	requestID := uuid.NewString()

	body := c.rawBody
	contentType := c.contentType
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		if err != nil {
			return nil, nil, &errors.ProviderError{Provider: c.provider, Message: fmt.Sprintf("failed to marshal request: %v", err), RequestID: requestID}
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, nil, &errors.ProviderError{Provider: c.provider, Message: fmt.Sprintf("failed to create request: %v", err), RequestID: requestID}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, &errors.ProviderError{Provider: c.provider, Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &errors.ProviderError{Provider: c.provider, StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err), RequestID: requestID}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.Header, &errors.ProviderError{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			Suggestion: suggestionFor(c.provider, resp.StatusCode),
			RequestID:  requestID,
		}
	}
	return respBody, resp.Header, nil
}

// doJSON executes the call and decodes a JSON response into out.
func doJSON(ctx context.Context, client *http.Client, c apiCall, out any) error {
	body, _, err := do(ctx, client, c)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &errors.ProviderError{Provider: c.provider, Message: fmt.Sprintf("failed to parse response: %v", err)}
	}
	return nil
}

// errorMessage extracts {"error":{"message":...}} or {"detail":...} when
// present, otherwise returns the truncated body.
func errorMessage(body []byte) string {
	var shaped struct {
		Error json.RawMessage `json:"error"`
		Detail any            `json:"detail"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "" {
			return Truncate(nested.Message, maxErrorBody)
		}
		var flat string
		if json.Unmarshal(shaped.Error, &flat) == nil && flat != "" {
			return Truncate(flat, maxErrorBody)
		}
		if s, ok := shaped.Detail.(string); ok && s != "" {
			return Truncate(s, maxErrorBody)
		}
	}
	return Truncate(string(body), maxErrorBody)
}

// Truncate shortens s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

func suggestionFor(provider string, status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "Check that the " + provider + " API key is valid and correctly configured"
	case http.StatusPaymentRequired:
		return "The " + provider + " account has run out of credit"
	case http.StatusForbidden:
		return "The API key may not have access to this model or feature"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded. Retry after a short delay"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "Review the step parameters sent to the provider"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "The " + provider + " API is experiencing issues. Retry after a short delay"
	default:
		return "Check the " + provider + " API documentation for more details"
	}
}
