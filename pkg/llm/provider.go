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

// Package llm defines the contracts hosted model providers implement and the
// registry and fallback chain the executors use to reach them.
package llm

import (
	"context"
	"io"
	"time"
)

// Provider is a chat-completion backend.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g., "openai").
	Name() string

	// Complete sends a completion request and blocks until the full response
	// is available.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ImageGenerator is implemented by providers that can produce images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// Transcriber is implemented by providers that can turn speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (string, error)
}

// Synthesizer is implemented by providers that can turn text into speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (*Audio, error)
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is one turn of a conversation. Images are only honoured by
// providers with vision support; others ignore them.
type Message struct {
	Role    MessageRole
	Content string
	Images  []string
}

// CompletionRequest contains the parameters for a completion.
type CompletionRequest struct {
	Messages []Message

	// Model is the provider-specific model id. Empty selects the provider default.
	Model string

	Temperature *float64
	MaxTokens   *int

	// Extra carries provider parameters declared on the step that have no
	// dedicated field. Values are JSON-encodable.
	Extra map[string]any
}

// CompletionResponse is the result of a completion.
type CompletionResponse struct {
	Content      string
	Model        string
	RequestID    string
	FinishReason string
	Usage        TokenUsage
	Created      time.Time
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ImageRequest asks for one generated image.
type ImageRequest struct {
	Model  string
	Prompt string
	Size   string
}

// ImageResult holds either a hosted URL or inline image bytes.
type ImageResult struct {
	URL      string
	Data     []byte
	MimeType string
}

// TranscriptionRequest carries an audio stream to transcribe.
type TranscriptionRequest struct {
	Model    string
	Filename string
	Audio    io.Reader
}

// SpeechRequest asks for synthesized speech.
type SpeechRequest struct {
	Model  string
	Voice  string
	Text   string
	Format string
}

// Audio is synthesized speech.
type Audio struct {
	Data     []byte
	MimeType string
}
