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
	"net/http"
	"strings"
	"time"

	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm"
)

const (
	anthropicAPIBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicProvider implements llm.Provider for the Messages API. It is a
// secondary provider: catalog entries name it as preferred and the hosted
// executor falls back to the default provider when it is unavailable.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicProvider creates the provider, or returns
// llm.ErrMissingCredential when no key is configured.
func NewAnthropicProvider(creds llm.Credentials, client *http.Client) (*AnthropicProvider, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	base := creds.BaseURL
	if base == "" {
		base = anthropicAPIBaseURL
	}
	return &AnthropicProvider{
		apiKey:     creds.APIKey,
		baseURL:    strings.TrimRight(base, "/"),
		model:      creds.Option(OptChatModel, "claude-3-5-haiku-latest"),
		httpClient: client,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicTextContent `json:"content"`
}

type anthropicTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends a completion request to the Messages API. System messages
// are folded into the top-level system field.
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   anthropicMaxTokens,
		Temperature: req.Temperature,
	}
	if apiReq.Model == "" {
		apiReq.Model = p.model
	}
	if req.MaxTokens != nil {
		apiReq.MaxTokens = *req.MaxTokens
	}

	for _, msg := range req.Messages {
		if msg.Role == llm.MessageRoleSystem {
			if apiReq.System != "" {
				apiReq.System += "\n\n"
			}
			apiReq.System += msg.Content
			continue
		}
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: []anthropicTextContent{{Type: "text", Text: msg.Content}},
		})
	}

	var out anthropicResponse
	err := doJSON(ctx, p.httpClient, apiCall{
		provider: "anthropic",
		method:   http.MethodPost,
		url:      p.baseURL + "/messages",
		headers: map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": anthropicAPIVersion,
		},
		body: apiReq,
	}, &out)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type != "text" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(block.Text)
	}

	return &llm.CompletionResponse{
		Content:      text.String(),
		Model:        out.Model,
		RequestID:    out.ID,
		FinishReason: mapStopReason(out.StopReason),
		Usage: llm.TokenUsage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		Created: time.Now(),
	}, nil
}

func mapStopReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
