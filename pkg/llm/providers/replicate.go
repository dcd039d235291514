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

package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm"
)

const replicateBaseURL = "https://api.replicate.com/v1"

// Prediction is a marketplace prediction as returned by the API.
type Prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Done reports whether the prediction reached a terminal status.
func (p *Prediction) Done() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// ReplicateClient runs marketplace predictions.
type ReplicateClient struct {
	token        string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
}

// ReplicateOptions tunes polling of asynchronous predictions.
type ReplicateOptions struct {
	PollInterval time.Duration
	MaxPolls     int
}

// NewReplicateClient returns llm.ErrMissingCredential without a token.
func NewReplicateClient(creds llm.Credentials, client *http.Client, opts ReplicateOptions) (*ReplicateClient, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	base := creds.BaseURL
	if base == "" {
		base = replicateBaseURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 60
	}
	return &ReplicateClient{
		token:        creds.APIKey,
		baseURL:      strings.TrimRight(base, "/"),
		httpClient:   client,
		pollInterval: opts.PollInterval,
		maxPolls:     opts.MaxPolls,
	}, nil
}

func (c *ReplicateClient) headers(wait bool) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + c.token}
	if wait {
		h["Prefer"] = "wait"
	}
	return h
}

// Predict creates a prediction for endpoint and waits for it to finish.
// endpoint is "owner/model", "owner/model:version" or an absolute URL.
func (c *ReplicateClient) Predict(ctx context.Context, endpoint string, input map[string]any) (*Prediction, error) {
	url, body := c.route(endpoint, input)

	var pred Prediction
	err := doJSON(ctx, c.httpClient, apiCall{
		provider: "replicate",
		method:   http.MethodPost,
		url:      url,
		headers:  c.headers(true),
		body:     body,
	}, &pred)
	if err != nil {
		return nil, err
	}

	for polls := 0; !pred.Done(); polls++ {
		if polls >= c.maxPolls || pred.URLs.Get == "" {
			return nil, &errors.TimeoutError{
				Operation: "marketplace prediction " + pred.ID,
				Duration:  time.Duration(polls) * c.pollInterval,
			}
		}
		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := doJSON(ctx, c.httpClient, apiCall{
			provider: "replicate",
			method:   http.MethodGet,
			url:      pred.URLs.Get,
			headers:  c.headers(false),
		}, &pred); err != nil {
			return nil, err
		}
	}

	if pred.Status != "succeeded" {
		return nil, &errors.ProviderError{
			Provider: "replicate",
			Message:  fmt.Sprintf("prediction %s %s: %v", pred.ID, pred.Status, pred.Error),
		}
	}
	return &pred, nil
}

func (c *ReplicateClient) route(endpoint string, input map[string]any) (string, map[string]any) {
	body := map[string]any{"input": input}
	switch {
	case strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://"):
		return endpoint, body
	case strings.Contains(endpoint, ":"):
		_, version, _ := strings.Cut(endpoint, ":")
		body["version"] = version
		return c.baseURL + "/predictions", body
	default:
		return c.baseURL + "/models/" + endpoint + "/predictions", body
	}
}
