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

	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io/v1"
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
)

// OptVoiceID selects the ElevenLabs voice.
const OptVoiceID = "voice_id"

// ElevenLabsProvider is the premium text-to-speech backend.
type ElevenLabsProvider struct {
	apiKey     string
	baseURL    string
	voiceID    string
	httpClient *http.Client
}

var _ llm.Synthesizer = (*ElevenLabsProvider)(nil)

// NewElevenLabsProvider returns llm.ErrMissingCredential without a key.
func NewElevenLabsProvider(creds llm.Credentials, client *http.Client) (*ElevenLabsProvider, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	base := creds.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	return &ElevenLabsProvider{
		apiKey:     creds.APIKey,
		baseURL:    strings.TrimRight(base, "/"),
		voiceID:    creds.Option(OptVoiceID, elevenLabsDefaultVoice),
		httpClient: client,
	}, nil
}

// Name returns the provider identifier.
func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

// Complete is not supported; ElevenLabs only synthesizes speech.
func (p *ElevenLabsProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, &errors.ConfigError{Key: "providers.elevenlabs", Reason: "elevenlabs does not serve chat completions"}
}

// Synthesize converts text to mp3 speech.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req llm.SpeechRequest) (*llm.Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.voiceID
	}
	model := req.Model
	if model == "" {
		model = "eleven_multilingual_v2"
	}

	data, _, err := do(ctx, p.httpClient, apiCall{
		provider: "elevenlabs",
		method:   http.MethodPost,
		url:      p.baseURL + "/text-to-speech/" + voice,
		headers:  map[string]string{"xi-api-key": p.apiKey, "Accept": "audio/mpeg"},
		body:     map[string]any{"text": req.Text, "model_id": model},
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &errors.ProviderError{Provider: "elevenlabs", Message: "speech response was empty"}
	}
	return &llm.Audio{Data: data, MimeType: "audio/mpeg"}, nil
}
