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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm"
)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAI option keys read from llm.Credentials.Options.
const (
	OptChatModel  = "chat_model"
	OptImageModel = "image_model"
	OptSTTModel   = "stt_model"
	OptTTSModel   = "tts_model"
	OptTTSVoice   = "tts_voice"
)

// OpenAIProvider is the default hosted provider. It serves chat completions
// with vision parts, image generation, transcription and speech.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	chatModel  string
	imageModel string
	sttModel   string
	ttsModel   string
	ttsVoice   string
}

var (
	_ llm.Provider       = (*OpenAIProvider)(nil)
	_ llm.ImageGenerator = (*OpenAIProvider)(nil)
	_ llm.Transcriber    = (*OpenAIProvider)(nil)
	_ llm.Synthesizer    = (*OpenAIProvider)(nil)
)

// NewOpenAIProvider creates an OpenAI provider. It returns
// llm.ErrMissingCredential when no API key is set.
func NewOpenAIProvider(creds llm.Credentials, client *http.Client) (*OpenAIProvider, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	base := creds.BaseURL
	if base == "" {
		base = openAIBaseURL
	}
	return &OpenAIProvider{
		apiKey:     creds.APIKey,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: client,
		chatModel:  creds.Option(OptChatModel, "gpt-4o-mini"),
		imageModel: creds.Option(OptImageModel, "dall-e-3"),
		sttModel:   creds.Option(OptSTTModel, "whisper-1"),
		ttsModel:   creds.Option(OptTTSModel, "tts-1"),
		ttsVoice:   creds.Option(OptTTSVoice, "alloy"),
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete calls the chat completions endpoint. User messages with images
// are sent as multi-part vision content.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{Field: "messages", Message: "completion request must have at least one message"}
	}

	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := []openAIPart{{Type: "text", Text: m.Content}}
		for _, u := range m.Images {
			parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: u}})
		}
		msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: parts})
	}

	body := map[string]any{}
	for k, v := range req.Extra {
		body[k] = v
	}
	model := req.Model
	if model == "" {
		model = p.chatModel
	}
	body["model"] = model
	body["messages"] = msgs
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}

	var out openAIChatResponse
	err := doJSON(ctx, p.httpClient, apiCall{
		provider: "openai",
		method:   http.MethodPost,
		url:      p.baseURL + "/chat/completions",
		headers:  p.auth(),
		body:     body,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &errors.ProviderError{Provider: "openai", Message: "response contained no choices", RequestID: out.ID}
	}

	return &llm.CompletionResponse{
		Content:      out.Choices[0].Message.Content,
		Model:        out.Model,
		RequestID:    out.ID,
		FinishReason: out.Choices[0].FinishReason,
		Usage: llm.TokenUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
		Created: time.Now(),
	}, nil
}

// GenerateImage calls the images endpoint. The response carries either a
// hosted URL or base64 data; both are passed back to the caller.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	model := req.Model
	if model == "" {
		model = p.imageModel
	}
	size := req.Size
	if size == "" {
		size = "1024x1024"
	}

	var out struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	err := doJSON(ctx, p.httpClient, apiCall{
		provider: "openai",
		method:   http.MethodPost,
		url:      p.baseURL + "/images/generations",
		headers:  p.auth(),
		body:     map[string]any{"model": model, "prompt": req.Prompt, "n": 1, "size": size},
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, &errors.ProviderError{Provider: "openai", Message: "image response contained no data"}
	}

	img := out.Data[0]
	if img.URL != "" {
		return &llm.ImageResult{URL: img.URL}, nil
	}
	data, err := base64.StdEncoding.DecodeString(img.B64JSON)
	if err != nil || len(data) == 0 {
		return nil, &errors.ProviderError{Provider: "openai", Message: "image response had neither url nor valid b64_json"}
	}
	return &llm.ImageResult{Data: data, MimeType: "image/png"}, nil
}

// Transcribe uploads audio to the transcription endpoint as multipart form data.
func (p *OpenAIProvider) Transcribe(ctx context.Context, req llm.TranscriptionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.sttModel
	}
	name := req.Filename
	if name == "" {
		name = "audio.mp3"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", model); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, req.Audio); err != nil {
		return "", fmt.Errorf("reading audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	err = doJSON(ctx, p.httpClient, apiCall{
		provider:    "openai",
		method:      http.MethodPost,
		url:         p.baseURL + "/audio/transcriptions",
		headers:     p.auth(),
		rawBody:     &buf,
		contentType: mw.FormDataContentType(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// Synthesize calls the speech endpoint and returns mp3 audio.
func (p *OpenAIProvider) Synthesize(ctx context.Context, req llm.SpeechRequest) (*llm.Audio, error) {
	model := req.Model
	if model == "" {
		model = p.ttsModel
	}
	voice := req.Voice
	if voice == "" {
		voice = p.ttsVoice
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}

	data, hdr, err := do(ctx, p.httpClient, apiCall{
		provider: "openai",
		method:   http.MethodPost,
		url:      p.baseURL + "/audio/speech",
		headers:  p.auth(),
		body:     map[string]any{"model": model, "voice": voice, "input": req.Text, "response_format": format},
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &errors.ProviderError{Provider: "openai", Message: "speech response was empty"}
	}
	mime := hdr.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = "audio/mpeg"
	}
	return &llm.Audio{Data: data, MimeType: mime}, nil
}
