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

package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/tombee/modelchain/internal/catalog"
	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm"
	"github.com/tombee/modelchain/pkg/workflow"
)

// Params with a dedicated request field. Everything else is forwarded as
// provider extras.
const (
	paramTemperature = "temperature"
	paramMaxTokens   = "max_tokens"
	paramSize        = "size"
	paramVoice       = "voice"
	paramText        = "text"
	paramFormat      = "format"
)

type hostedExecutor struct {
	registry  *llm.Registry
	catalog   Catalog
	files     FileStore
	local     LocalFiles
	client    *http.Client
	chain     *llm.FallbackChain
	logger    *slog.Logger
	fallbacks FallbackRecorder
}

func (h *hostedExecutor) execute(ctx context.Context, step workflow.Step, spec workflow.HostedModelSpec, in workflow.StepOutput) (workflow.StepOutput, error) {
	entry, err := resolveModel(h.catalog, step, spec.Model)
	if err != nil {
		return workflow.StepOutput{}, err
	}
	if entry.IsMarketplace {
		return workflow.StepOutput{}, &errors.ConfigError{
			Key:    "steps." + step.ID + ".kind",
			Reason: fmt.Sprintf("model %s is a marketplace model", entry.ID),
		}
	}

	params, _ := workflow.BindInputValue(spec.Params, in.Text).(map[string]any)

	switch entry.Category {
	case workflow.MediaText, workflow.MediaDocument:
		return h.text(ctx, entry, spec.Prompt, params, in)
	case workflow.MediaImage:
		return h.image(ctx, entry, spec.Prompt, params, in)
	case workflow.MediaAudio:
		return h.audio(ctx, step, entry, spec.Prompt, params, in)
	default:
		return placeholder(entry.Category, entry.ID), nil
	}
}

// text runs a completion. The preferred provider gets the plain request;
// the default provider is the fallback and also receives any input images.
func (h *hostedExecutor) text(ctx context.Context, entry catalog.Entry, prompt string, params map[string]any, in workflow.StepOutput) (workflow.StepOutput, error) {
	req := completionRequest(prompt, params, in.Text)

	def := h.registry.DefaultName()
	preferred := entry.Provider
	if preferred == "" {
		preferred = def
	}

	var attempts []llm.Attempt
	if preferred != def {
		r := req
		r.Model = entry.ProviderModel()
		attempts = append(attempts, llm.Attempt{Provider: preferred, Request: r})
	}

	fallback := req
	if preferred == def {
		fallback.Model = entry.ProviderModel()
	}
	if images := fileURLs(in.Files, workflow.MediaImage); len(images) > 0 {
		msgs := make([]llm.Message, len(fallback.Messages))
		copy(msgs, fallback.Messages)
		last := &msgs[len(msgs)-1]
		last.Images = images
		fallback.Messages = msgs
	}
	attempts = append(attempts, llm.Attempt{Provider: def, Request: fallback})

	resp, provider, err := h.chain.Complete(ctx, attempts...)
	if err != nil {
		return workflow.StepOutput{}, err
	}
	h.logger.Debug("completion finished",
		slog.String(log.ProviderKey, provider),
		slog.String(log.ModelKey, resp.Model),
		slog.Int("tokens", resp.Usage.TotalTokens),
	)
	return workflow.StepOutput{Text: resp.Content}, nil
}

// completionRequest builds the message list. A prompt that references
// {{input}} becomes a single user turn; otherwise the prompt is the system
// instruction and the input text is the user turn.
func completionRequest(prompt string, params map[string]any, input string) llm.CompletionRequest {
	var msgs []llm.Message
	switch {
	case workflow.HasInputPlaceholder(prompt):
		msgs = []llm.Message{{Role: llm.MessageRoleUser, Content: workflow.BindInput(prompt, input)}}
	case input == "":
		msgs = []llm.Message{{Role: llm.MessageRoleUser, Content: prompt}}
	case prompt == "":
		msgs = []llm.Message{{Role: llm.MessageRoleUser, Content: input}}
	default:
		msgs = []llm.Message{
			{Role: llm.MessageRoleSystem, Content: prompt},
			{Role: llm.MessageRoleUser, Content: input},
		}
	}

	req := llm.CompletionRequest{Messages: msgs}
	for k, v := range params {
		switch k {
		case paramTemperature:
			if f, ok := toFloat(v); ok {
				req.Temperature = &f
			}
		case paramMaxTokens:
			if f, ok := toFloat(v); ok {
				n := int(f)
				req.MaxTokens = &n
			}
		default:
			if req.Extra == nil {
				req.Extra = make(map[string]any)
			}
			req.Extra[k] = v
		}
	}
	return req
}

func (h *hostedExecutor) image(ctx context.Context, entry catalog.Entry, prompt string, params map[string]any, in workflow.StepOutput) (workflow.StepOutput, error) {
	prompt = workflow.BindInput(prompt, in.Text)
	if prompt == "" {
		prompt = in.Text
	}
	if prompt == "" {
		return workflow.StepOutput{}, &errors.ValidationError{
			Field:   "prompt",
			Message: "image generation needs a prompt or text input",
		}
	}

	gen, err := llm.Lookup[llm.ImageGenerator](h.registry, h.providerFor(entry))
	if err != nil {
		return workflow.StepOutput{}, err
	}
	res, err := gen.GenerateImage(ctx, llm.ImageRequest{
		Model:  entry.ProviderModel(),
		Prompt: prompt,
		Size:   stringParam(params, paramSize),
	})
	if err != nil {
		return workflow.StepOutput{}, err
	}

	mimeType := res.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	url := res.URL
	if url == "" {
		if len(res.Data) == 0 {
			return workflow.StepOutput{}, &errors.ProviderError{
				Provider: h.providerFor(entry),
				Message:  "image response contained neither a URL nor data",
			}
		}
		if url, err = h.files.Put(ctx, res.Data, mimeType); err != nil {
			return workflow.StepOutput{}, fmt.Errorf("storing generated image: %w", err)
		}
	}

	return workflow.StepOutput{
		Text:  url,
		Files: []workflow.FileInput{{URL: url, MediaType: workflow.MediaImage, MimeType: mimeType}},
	}, nil
}

func (h *hostedExecutor) audio(ctx context.Context, step workflow.Step, entry catalog.Entry, prompt string, params map[string]any, in workflow.StepOutput) (workflow.StepOutput, error) {
	op := entry.Operation
	if op == "" {
		op = catalog.OpSpeech
		if _, ok := in.FirstFile(workflow.MediaAudio); ok {
			op = catalog.OpTranscribe
		}
	}

	switch op {
	case catalog.OpTranscribe:
		return h.transcribe(ctx, step, entry, in)
	case catalog.OpSpeech, catalog.OpPremiumSpeech:
		text := speechText(prompt, params, in.Text)
		if text == "" {
			return workflow.StepOutput{}, &errors.ValidationError{
				Field:   "steps." + step.ID + ".params.text",
				Message: "speech synthesis needs text",
			}
		}
		if op == catalog.OpPremiumSpeech {
			return h.premiumSpeech(ctx, entry, text, params)
		}
		return h.speech(ctx, h.providerFor(entry), entry.ProviderModel(), text, params)
	default:
		h.logger.Warn("unknown audio operation, returning placeholder",
			slog.String(log.ModelKey, entry.ID),
			slog.String("operation", string(op)),
		)
		return placeholder(entry.Category, entry.ID), nil
	}
}

// speechText prefers a literal text param, then a prompt, then the input.
func speechText(prompt string, params map[string]any, input string) string {
	if s := stringParam(params, paramText); s != "" {
		return s
	}
	if prompt != "" {
		return workflow.BindInput(prompt, input)
	}
	return input
}

func (h *hostedExecutor) speech(ctx context.Context, provider, model, text string, params map[string]any) (workflow.StepOutput, error) {
	synth, err := llm.Lookup[llm.Synthesizer](h.registry, provider)
	if err != nil {
		return workflow.StepOutput{}, err
	}
	audio, err := synth.Synthesize(ctx, llm.SpeechRequest{
		Model:  model,
		Voice:  stringParam(params, paramVoice),
		Text:   text,
		Format: stringParam(params, paramFormat),
	})
	if err != nil {
		return workflow.StepOutput{}, err
	}
	mimeType := audio.MimeType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	url, err := h.files.Put(ctx, audio.Data, mimeType)
	if err != nil {
		return workflow.StepOutput{}, fmt.Errorf("storing synthesized audio: %w", err)
	}
	return workflow.StepOutput{
		Text:  text,
		Files: []workflow.FileInput{{URL: url, MediaType: workflow.MediaAudio, MimeType: mimeType}},
	}, nil
}

// premiumSpeech uses the premium voice provider and falls back to the
// default provider's speech model when it is unavailable or fails.
func (h *hostedExecutor) premiumSpeech(ctx context.Context, entry catalog.Entry, text string, params map[string]any) (workflow.StepOutput, error) {
	premium := h.providerFor(entry)
	def := h.registry.DefaultName()
	if h.registry.IsActive(premium) {
		out, err := h.speech(ctx, premium, entry.ProviderModel(), text, params)
		if err == nil || premium == def {
			return out, err
		}
		h.logger.Warn("premium speech failed, using default provider",
			slog.String(log.ProviderKey, premium),
			slog.Any("error", err),
		)
	}
	if h.fallbacks != nil {
		h.fallbacks.RecordFallback(premium, def)
	}
	// The default provider chooses its own speech model and voice.
	fallbackParams := make(map[string]any, len(params))
	for k, v := range params {
		if k != paramVoice {
			fallbackParams[k] = v
		}
	}
	return h.speech(ctx, def, "", text, fallbackParams)
}

func (h *hostedExecutor) transcribe(ctx context.Context, step workflow.Step, entry catalog.Entry, in workflow.StepOutput) (workflow.StepOutput, error) {
	file, ok := in.FirstFile(workflow.MediaAudio)
	if !ok {
		return workflow.StepOutput{}, &errors.ValidationError{
			Field:   "steps." + step.ID,
			Message: "transcription needs an audio file input",
		}
	}

	tr, err := llm.Lookup[llm.Transcriber](h.registry, h.providerFor(entry))
	if err != nil {
		return workflow.StepOutput{}, err
	}

	name := file.Name
	if name == "" {
		name = path.Base(file.URL)
	}
	audio, cleanup, err := h.openAudio(ctx, file.URL, filepath.Ext(name))
	if err != nil {
		return workflow.StepOutput{}, err
	}
	defer cleanup()

	text, err := tr.Transcribe(ctx, llm.TranscriptionRequest{
		Model:    entry.ProviderModel(),
		Filename: name,
		Audio:    audio,
	})
	if err != nil {
		return workflow.StepOutput{}, err
	}
	return workflow.StepOutput{Text: text}, nil
}

// openAudio opens a file this server stored itself, or downloads a remote
// one into a temporary file that cleanup removes.
func (h *hostedExecutor) openAudio(ctx context.Context, url, ext string) (io.Reader, func(), error) {
	if h.local != nil {
		if p, ok := h.local.LocalPath(url); ok {
			f, err := os.Open(p)
			if err != nil {
				return nil, nil, fmt.Errorf("opening stored audio: %w", err)
			}
			return f, func() { f.Close() }, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, &errors.ValidationError{Field: "files", Message: fmt.Sprintf("invalid audio URL %q", url)}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("downloading audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("downloading audio: HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "modelchain-audio-*"+ext)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, maxResponseBytes)); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("downloading audio: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, err
	}
	return tmp, cleanup, nil
}

func (h *hostedExecutor) providerFor(entry catalog.Entry) string {
	if entry.Provider != "" {
		return entry.Provider
	}
	return h.registry.DefaultName()
}

func fileURLs(files []workflow.FileInput, m workflow.MediaType) []string {
	var out []string
	for _, f := range files {
		if f.MediaType == m {
			out = append(out, f.URL)
		}
	}
	return out
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
