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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/tombee/modelchain/internal/catalog"
	"github.com/tombee/modelchain/internal/filestore"
	"github.com/tombee/modelchain/internal/permissions"
	pkgerrors "github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm"
	"github.com/tombee/modelchain/pkg/llm/providers"
	"github.com/tombee/modelchain/pkg/workflow"
)

// fakeProvider implements every llm capability and records what it saw.
type fakeProvider struct {
	name  string
	reply string
	err   error

	image      *llm.ImageResult
	audio      *llm.Audio
	transcript string

	mu        sync.Mutex
	requests  []llm.CompletionRequest
	speeches  []llm.SpeechRequest
	audioSeen string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Content: p.reply, Model: req.Model}, nil
}

func (p *fakeProvider) GenerateImage(context.Context, llm.ImageRequest) (*llm.ImageResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.image, nil
}

func (p *fakeProvider) Synthesize(_ context.Context, req llm.SpeechRequest) (*llm.Audio, error) {
	p.mu.Lock()
	p.speeches = append(p.speeches, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.audio, nil
}

func (p *fakeProvider) Transcribe(_ context.Context, req llm.TranscriptionRequest) (string, error) {
	b, err := io.ReadAll(req.Audio)
	if err != nil {
		return "", err
	}
	p.audioSeen = string(b)
	return p.transcript, nil
}

type fallbackLog struct {
	mu    sync.Mutex
	pairs []string
}

func (f *fallbackLog) RecordFallback(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs = append(f.pairs, from+"->"+to)
}

type fixture struct {
	dispatcher *Dispatcher
	files      *filestore.Local
	fallbacks  *fallbackLog
}

func newFixture(t *testing.T, market Marketplace, client *http.Client, provs ...*fakeProvider) *fixture {
	t.Helper()
	reg := llm.NewRegistry()
	for _, p := range provs {
		if err := reg.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	reg.SetDefault("openai")

	files, err := filestore.NewLocal(t.TempDir(), "http://files.test")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fallbackLog{}
	d, err := New(Config{
		Registry:    reg,
		Catalog:     catalog.New(),
		Files:       files,
		Marketplace: market,
		HTTPClient:  client,
		Fallbacks:   fb,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{dispatcher: d, files: files, fallbacks: fb}
}

func run(t *testing.T, d *Dispatcher, spec workflow.StepSpec, in workflow.StepOutput) (workflow.StepOutput, error) {
	t.Helper()
	return d.Execute(context.Background(), workflow.StepRequest{
		Step:  workflow.Step{ID: "s1", Spec: spec},
		Input: in,
	})
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without registry")
	}
	if _, err := New(Config{Registry: llm.NewRegistry()}); err == nil {
		t.Fatal("expected error without catalog")
	}
}

func TestExecute_InputAndOutputPassThrough(t *testing.T) {
	f := newFixture(t, nil, nil)
	in := workflow.StepOutput{Text: "hello", Files: []workflow.FileInput{{URL: "http://x/a.png", MediaType: workflow.MediaImage}}}

	for _, spec := range []workflow.StepSpec{workflow.InputSpec{}, workflow.OutputSpec{}} {
		out, err := run(t, f.dispatcher, spec, in)
		if err != nil {
			t.Fatalf("%T: %v", spec, err)
		}
		if out.Text != "hello" || len(out.Files) != 1 {
			t.Errorf("%T changed its input: %+v", spec, out)
		}
	}
}

func TestExecute_UnknownModel(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "no-such-model"}, workflow.StepOutput{})

	var cfgErr *pkgerrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Key != "steps.s1.model" {
		t.Errorf("Key = %q", cfgErr.Key)
	}
}

func TestHostedText_PromptWithInputIsSingleUserMessage(t *testing.T) {
	openai := &fakeProvider{name: "openai", reply: "summary"}
	f := newFixture(t, nil, nil, openai)

	out, err := run(t, f.dispatcher, workflow.HostedModelSpec{
		Model:  "gpt-4o-mini",
		Prompt: "Summarise: {{input}}",
		Params: map[string]any{"temperature": 0.2, "max_tokens": 100, "top_p": 0.9},
	}, workflow.StepOutput{Text: "long text"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "summary" {
		t.Errorf("Text = %q", out.Text)
	}

	req := openai.requests[0]
	if len(req.Messages) != 1 || req.Messages[0].Content != "Summarise: long text" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if req.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("Temperature = %v", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 100 {
		t.Errorf("MaxTokens = %v", req.MaxTokens)
	}
	if req.Extra["top_p"] != 0.9 {
		t.Errorf("Extra = %v", req.Extra)
	}
}

func TestHostedText_PromptWithoutInputIsSystemMessage(t *testing.T) {
	openai := &fakeProvider{name: "openai", reply: "ok"}
	f := newFixture(t, nil, nil, openai)

	if _, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "gpt-4o", Prompt: "Be terse."},
		workflow.StepOutput{Text: "question"}); err != nil {
		t.Fatal(err)
	}
	msgs := openai.requests[0].Messages
	if len(msgs) != 2 || msgs[0].Role != llm.MessageRoleSystem || msgs[1].Content != "question" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestHostedText_FallsBackToDefaultWithImages(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", err: &pkgerrors.ProviderError{Provider: "anthropic", StatusCode: 529}}
	openai := &fakeProvider{name: "openai", reply: "from openai"}
	f := newFixture(t, nil, nil, anthropic, openai)

	in := workflow.StepOutput{
		Text:  "describe",
		Files: []workflow.FileInput{{URL: "http://x/cat.png", MediaType: workflow.MediaImage}},
	}
	out, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "claude-3-5-haiku-latest"}, in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "from openai" {
		t.Errorf("Text = %q", out.Text)
	}

	if got := anthropic.requests[0]; got.Model != "claude-3-5-haiku-latest" || len(got.Messages[0].Images) != 0 {
		t.Errorf("preferred request = %+v", got)
	}
	fallback := openai.requests[0]
	if fallback.Model != "" {
		t.Errorf("fallback should use the provider default model, got %q", fallback.Model)
	}
	last := fallback.Messages[len(fallback.Messages)-1]
	if len(last.Images) != 1 || last.Images[0] != "http://x/cat.png" {
		t.Errorf("fallback images = %v", last.Images)
	}
	if len(f.fallbacks.pairs) != 1 || f.fallbacks.pairs[0] != "anthropic->openai" {
		t.Errorf("fallbacks = %v", f.fallbacks.pairs)
	}
}

func TestHostedText_UnactivatedPreferredIsSkipped(t *testing.T) {
	openai := &fakeProvider{name: "openai", reply: "ok"}
	f := newFixture(t, nil, nil, openai)

	if _, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "claude-3-5-sonnet-latest"},
		workflow.StepOutput{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(f.fallbacks.pairs) != 0 {
		t.Errorf("skipping an inactive provider is not a failover: %v", f.fallbacks.pairs)
	}
}

func TestHostedText_AllProvidersFail(t *testing.T) {
	openai := &fakeProvider{name: "openai", err: errors.New("boom")}
	f := newFixture(t, nil, nil, openai)

	if _, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "gpt-4o"}, workflow.StepOutput{Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHostedImage_StoresInlineData(t *testing.T) {
	openai := &fakeProvider{name: "openai", image: &llm.ImageResult{Data: []byte("png-bytes"), MimeType: "image/png"}}
	f := newFixture(t, nil, nil, openai)

	out, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "dall-e-3", Prompt: "a {{input}}"},
		workflow.StepOutput{Text: "cat"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Files) != 1 || out.Files[0].MediaType != workflow.MediaImage {
		t.Fatalf("files = %+v", out.Files)
	}
	p, ok := f.files.LocalPath(out.Files[0].URL)
	if !ok {
		t.Fatalf("image %s not in file store", out.Files[0].URL)
	}
	if b, _ := os.ReadFile(p); string(b) != "png-bytes" {
		t.Errorf("stored %q", b)
	}
}

func TestHostedImage_NeedsPrompt(t *testing.T) {
	f := newFixture(t, nil, nil, &fakeProvider{name: "openai"})
	_, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "dall-e-3"}, workflow.StepOutput{})

	var vErr *pkgerrors.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestHostedAudio_Speech(t *testing.T) {
	openai := &fakeProvider{name: "openai", audio: &llm.Audio{Data: []byte("mp3"), MimeType: "audio/mpeg"}}
	f := newFixture(t, nil, nil, openai)

	out, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "tts-1", Params: map[string]any{"voice": "nova"}},
		workflow.StepOutput{Text: "read me"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Files) != 1 || out.Files[0].MediaType != workflow.MediaAudio {
		t.Fatalf("files = %+v", out.Files)
	}
	if got := openai.speeches[0]; got.Text != "read me" || got.Voice != "nova" || got.Model != "tts-1" {
		t.Errorf("speech request = %+v", got)
	}
}

func TestHostedAudio_PremiumFallsBackToDefault(t *testing.T) {
	tests := []struct {
		name  string
		provs []*fakeProvider
	}{
		{"premium provider not configured", nil},
		{"premium provider fails", []*fakeProvider{{name: "elevenlabs", err: errors.New("quota")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			openai := &fakeProvider{name: "openai", audio: &llm.Audio{Data: []byte("mp3")}}
			f := newFixture(t, nil, nil, append(tt.provs, openai)...)

			out, err := run(t, f.dispatcher, workflow.HostedModelSpec{
				Model:  "eleven-multilingual-v2",
				Params: map[string]any{"text": "literal text", "voice": "rachel"},
			}, workflow.StepOutput{Text: "ignored"})
			if err != nil {
				t.Fatal(err)
			}
			if len(out.Files) != 1 {
				t.Fatalf("files = %+v", out.Files)
			}
			got := openai.speeches[0]
			if got.Text != "literal text" || got.Model != "" || got.Voice != "" {
				t.Errorf("fallback speech request = %+v", got)
			}
			if len(f.fallbacks.pairs) != 1 || f.fallbacks.pairs[0] != "elevenlabs->openai" {
				t.Errorf("fallbacks = %v", f.fallbacks.pairs)
			}
		})
	}
}

func TestHostedAudio_TranscribesStoredFile(t *testing.T) {
	openai := &fakeProvider{name: "openai", transcript: "hello world"}
	f := newFixture(t, nil, nil, openai)

	url, err := f.files.Put(context.Background(), []byte("wav-data"), "audio/wav")
	if err != nil {
		t.Fatal(err)
	}
	out, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "whisper-1"}, workflow.StepOutput{
		Files: []workflow.FileInput{{URL: url, MediaType: workflow.MediaAudio}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "hello world" || openai.audioSeen != "wav-data" {
		t.Errorf("Text = %q, provider saw %q", out.Text, openai.audioSeen)
	}
}

func TestHostedAudio_TranscribesRemoteFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote-audio"))
	}))
	defer srv.Close()

	openai := &fakeProvider{name: "openai", transcript: "text"}
	f := newFixture(t, nil, srv.Client(), openai)

	if _, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "whisper-1"}, workflow.StepOutput{
		Files: []workflow.FileInput{{URL: srv.URL + "/clip.mp3", MediaType: workflow.MediaAudio}},
	}); err != nil {
		t.Fatal(err)
	}
	if openai.audioSeen != "remote-audio" {
		t.Errorf("provider saw %q", openai.audioSeen)
	}
}

func TestHostedAudio_TranscribeWithoutFile(t *testing.T) {
	f := newFixture(t, nil, nil, &fakeProvider{name: "openai"})
	if _, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "whisper-1"}, workflow.StepOutput{Text: "x"}); err == nil {
		t.Fatal("expected error without audio input")
	}
}

func TestHosted_UnsupportedCategoryReturnsPlaceholder(t *testing.T) {
	f := newFixture(t, nil, nil)
	cat := catalog.New()
	if err := cat.Add(catalog.Entry{ID: "video-gen", Category: workflow.MediaVideo, Provider: "openai"}); err != nil {
		t.Fatal(err)
	}
	f.dispatcher.hosted.catalog = cat

	out, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "video-gen"}, workflow.StepOutput{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Text, "video-gen") || out.Failed() {
		t.Errorf("placeholder = %+v", out)
	}
}

func TestHostedAudio_UnknownOperationReturnsPlaceholder(t *testing.T) {
	f := newFixture(t, nil, nil, &fakeProvider{name: "openai"})
	cat := catalog.New()
	if err := cat.Add(catalog.Entry{ID: "audio-remix", Category: workflow.MediaAudio, Provider: "openai", Operation: "remix"}); err != nil {
		t.Fatal(err)
	}
	f.dispatcher.hosted.catalog = cat

	out, err := run(t, f.dispatcher, workflow.HostedModelSpec{Model: "audio-remix"}, workflow.StepOutput{Text: "x"})
	if err != nil {
		t.Fatalf("unknown operations must not throw: %v", err)
	}
	if !strings.Contains(out.Text, "audio-remix") || out.Failed() {
		t.Errorf("placeholder = %+v", out)
	}
}

type fakeMarketplace struct {
	output   any
	err      error
	endpoint string
	input    map[string]any
}

func (m *fakeMarketplace) Predict(_ context.Context, endpoint string, input map[string]any) (*providers.Prediction, error) {
	m.endpoint = endpoint
	m.input = input
	if m.err != nil {
		return nil, m.err
	}
	return &providers.Prediction{Status: "succeeded", Output: m.output}, nil
}

func TestMarketplace_AutofillsFileSlots(t *testing.T) {
	market := &fakeMarketplace{output: []any{"https://cdn.test/out.png"}}
	f := newFixture(t, market, nil)

	in := workflow.StepOutput{
		Text: "upscale",
		Files: []workflow.FileInput{
			{URL: "https://x/doc.pdf", MediaType: workflow.MediaDocument},
			{URL: "https://x/first.png", MediaType: workflow.MediaImage},
			{URL: "https://x/second.png", MediaType: workflow.MediaImage},
		},
	}
	out, err := run(t, f.dispatcher, workflow.MarketplaceSpec{
		Model:  "nightmareai/real-esrgan",
		Params: map[string]any{"image_url": "{{step_missing_image}}", "image_urls": "", "scale": 2, "audio_url": ""},
	}, in)
	if err != nil {
		t.Fatal(err)
	}

	if market.input["image_url"] != "https://x/first.png" {
		t.Errorf("image_url = %v", market.input["image_url"])
	}
	if urls, ok := market.input["image_urls"].([]any); !ok || len(urls) != 1 || urls[0] != "https://x/first.png" {
		t.Errorf("image_urls = %v", market.input["image_urls"])
	}
	if market.input["audio_url"] != "" {
		t.Errorf("audio_url without an audio input should stay empty, got %v", market.input["audio_url"])
	}
	if _, ok := market.input["video_url"]; ok {
		t.Error("undeclared slots must not be added")
	}
	if market.endpoint != "nightmareai/real-esrgan" {
		t.Errorf("endpoint = %q", market.endpoint)
	}
	if len(out.Files) != 1 || out.Files[0].URL != "https://cdn.test/out.png" || out.Files[0].MediaType != workflow.MediaImage {
		t.Errorf("files = %+v", out.Files)
	}
}

func TestMarketplace_BoundSlotIsKept(t *testing.T) {
	market := &fakeMarketplace{output: "https://cdn.test/out.png"}
	f := newFixture(t, market, nil)

	_, err := run(t, f.dispatcher, workflow.MarketplaceSpec{
		Model:  "stability-ai/sdxl",
		Prompt: "a {{input}}",
		Params: map[string]any{"image_url": "https://explicit/x.png"},
	}, workflow.StepOutput{Text: "dog", Files: []workflow.FileInput{{URL: "https://x/in.png", MediaType: workflow.MediaImage}}})
	if err != nil {
		t.Fatal(err)
	}
	if market.input["image_url"] != "https://explicit/x.png" {
		t.Errorf("image_url = %v", market.input["image_url"])
	}
	if market.input["prompt"] != "a dog" {
		t.Errorf("prompt = %v", market.input["prompt"])
	}
}

func TestMarketplace_StubsWithoutCredential(t *testing.T) {
	f := newFixture(t, nil, nil)

	tests := []struct {
		model     string
		wantFile  bool
		wantMatch string
	}{
		{"black-forest-labs/flux-schnell", true, "placehold.co"},
		{"suno-ai/bark", false, "audio"},
		{"minimax/video-01", false, "video"},
		{"meta/meta-llama-3-8b-instruct", false, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			out, err := run(t, f.dispatcher, workflow.MarketplaceSpec{Model: tt.model, Prompt: "{{input}}"},
				workflow.StepOutput{Text: "hello"})
			if err != nil {
				t.Fatal(err)
			}
			if (len(out.Files) > 0) != tt.wantFile {
				t.Errorf("files = %+v", out.Files)
			}
			if !strings.Contains(out.Text, tt.wantMatch) {
				t.Errorf("Text = %q, want it to mention %q", out.Text, tt.wantMatch)
			}
		})
	}
}

func TestMarketplace_ProviderErrorIsBoundedReport(t *testing.T) {
	market := &fakeMarketplace{err: &pkgerrors.ProviderError{Provider: "replicate", StatusCode: 422, Message: strings.Repeat("x", 2000)}}
	f := newFixture(t, market, nil)

	out, err := run(t, f.dispatcher, workflow.MarketplaceSpec{Model: "suno-ai/bark"}, workflow.StepOutput{Text: "sing"})
	if err != nil {
		t.Fatalf("provider failures must not be returned as errors: %v", err)
	}
	if out.Failed() {
		t.Errorf("marketplace failures must not carry an error marker: %q", out.Error)
	}
	if !strings.HasPrefix(out.Text, "marketplace error:") {
		t.Errorf("Text = %q", out.Text)
	}
	if len(out.Text) > maxErrorText+3 {
		t.Errorf("error text not bounded: %d bytes", len(out.Text))
	}
}

func TestMarketplace_ProviderErrorCompletesRun(t *testing.T) {
	market := &fakeMarketplace{err: &pkgerrors.ProviderError{Provider: "replicate", StatusCode: 503, Message: "upstream busy"}}
	f := newFixture(t, market, nil)

	wf := &workflow.Workflow{
		ID: "bark",
		Steps: []workflow.Step{
			{ID: "in", Order: 1, Spec: workflow.InputSpec{Accepts: []workflow.MediaType{workflow.MediaText}}},
			{ID: "sing", Order: 2, Spec: workflow.MarketplaceSpec{Model: "suno-ai/bark", Prompt: "{{input}}"}},
			{ID: "out", Order: 3, Spec: workflow.OutputSpec{}},
		},
		Edges: []workflow.Edge{{Source: "in", Target: "sing"}, {Source: "sing", Target: "out"}},
	}
	rec := workflow.NewExecutionRecord("exec-1", wf.ID)
	workflow.NewController(f.dispatcher).Run(context.Background(), wf, workflow.ExecutionInput{Text: "la la"}, rec, nil)

	if rec.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s (%s), want completed", rec.Status, rec.Error)
	}
	if len(rec.Results) != 3 {
		t.Fatalf("Results = %d, want 3", len(rec.Results))
	}
	if got := rec.Results[1].Output; !strings.Contains(got, "upstream busy") || rec.Results[1].Error != "" {
		t.Errorf("marketplace result = %+v", rec.Results[1])
	}
	if !strings.Contains(rec.FinalOutput, "upstream busy") {
		t.Errorf("FinalOutput = %q", rec.FinalOutput)
	}
}

func TestMarketplace_AddsUndeclaredFileSlot(t *testing.T) {
	market := &fakeMarketplace{output: "https://cdn.test/out.png"}
	f := newFixture(t, market, nil)

	_, err := run(t, f.dispatcher, workflow.MarketplaceSpec{
		Model:  "nightmareai/real-esrgan",
		Params: map[string]any{"scale": 2},
	}, workflow.StepOutput{Files: []workflow.FileInput{{URL: "https://x/in.png", MediaType: workflow.MediaImage}}})
	if err != nil {
		t.Fatal(err)
	}
	if market.input["image_url"] != "https://x/in.png" {
		t.Errorf("image_url = %v", market.input["image_url"])
	}
	if _, ok := market.input["image_urls"]; ok {
		t.Error("only the single form is added when neither form is declared")
	}
	if market.input["scale"] != 2 {
		t.Errorf("scale = %v", market.input["scale"])
	}
}

func TestMarketplace_HostedModelIsRejected(t *testing.T) {
	f := newFixture(t, &fakeMarketplace{}, nil)
	_, err := run(t, f.dispatcher, workflow.MarketplaceSpec{Model: "gpt-4o"}, workflow.StepOutput{})

	var cfgErr *pkgerrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestMarketplace_OutputPath(t *testing.T) {
	market := &fakeMarketplace{output: map[string]any{"segments": []any{
		map[string]any{"text": "one "}, map[string]any{"text": "two"},
	}}}
	f := newFixture(t, market, nil)

	out, err := run(t, f.dispatcher, workflow.MarketplaceSpec{Model: "openai/whisper", OutputPath: ".segments[].text"},
		workflow.StepOutput{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "one two" {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestNormalizeOutput(t *testing.T) {
	tests := []struct {
		name     string
		category workflow.MediaType
		output   any
		wantText string
		wantURLs []string
	}{
		{"plain text", workflow.MediaText, "hi", "hi", nil},
		{"token stream", workflow.MediaText, []any{"Hel", "lo"}, "Hello", nil},
		{"image url", workflow.MediaImage, "https://c/a.png", "https://c/a.png", []string{"https://c/a.png"}},
		{"image list", workflow.MediaImage, []any{"https://c/a.png", "https://c/b.png"}, "https://c/a.png", []string{"https://c/a.png", "https://c/b.png"}},
		{"audio object", workflow.MediaAudio, map[string]any{"audio_out": "https://c/a.wav"}, "https://c/a.wav", []string{"https://c/a.wav"}},
		{"video object", workflow.MediaVideo, map[string]any{"video": "https://c/a.mp4"}, "https://c/a.mp4", []string{"https://c/a.mp4"}},
		{"text object", workflow.MediaText, map[string]any{"text": "done"}, "done", nil},
		{"nil", workflow.MediaImage, nil, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := normalizeOutput(tt.category, tt.output)
			if out.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", out.Text, tt.wantText)
			}
			if len(out.Files) != len(tt.wantURLs) {
				t.Fatalf("files = %+v", out.Files)
			}
			for i, u := range tt.wantURLs {
				if out.Files[i].URL != u {
					t.Errorf("file %d = %q, want %q", i, out.Files[i].URL, u)
				}
			}
		})
	}
}

func stepClient(t *testing.T, policy *permissions.NetworkPolicy) *http.Client {
	t.Helper()
	c, err := NewStepClient(policy, 0)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHTTP_GetWithQueryAndResultFields(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"caption":"a cat","images":["https://c/1.png","https://c/2.png"]}}`))
	}))
	defer srv.Close()

	f := newFixture(t, nil, stepClient(t, &permissions.NetworkPolicy{AllowPrivateNetworks: true}))
	out, err := run(t, f.dispatcher, workflow.HTTPSpec{
		Method:  "get",
		URL:     srv.URL + "/search",
		Headers: map[string]string{"Authorization": "Bearer token", "Host": "evil"},
		Params:  map[string]any{"q": "{{input}}"},
		ResultFields: []workflow.ResultField{
			{Name: "caption", Path: "data.caption"},
			{Name: "images", Path: ".data.images", MediaType: workflow.MediaImage},
		},
	}, workflow.StepOutput{Text: "cats"})
	if err != nil {
		t.Fatal(err)
	}

	if gotQuery != "q=cats" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if out.Text != "a cat" {
		t.Errorf("Text = %q", out.Text)
	}
	if len(out.Files) != 2 || out.Files[1].URL != "https://c/2.png" || out.Files[0].MediaType != workflow.MediaImage {
		t.Errorf("files = %+v", out.Files)
	}
}

func TestHTTP_PostSendsJSONBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte("plain response"))
	}))
	defer srv.Close()

	f := newFixture(t, nil, stepClient(t, &permissions.NetworkPolicy{AllowPrivateNetworks: true}))
	out, err := run(t, f.dispatcher, workflow.HTTPSpec{
		Method: "POST",
		URL:    srv.URL,
		Params: map[string]any{"text": "{{input}}", "n": 3},
	}, workflow.StepOutput{Text: "payload"})
	if err != nil {
		t.Fatal(err)
	}
	if body["text"] != "payload" || body["n"] != float64(3) {
		t.Errorf("body = %v", body)
	}
	if out.Text != "plain response" {
		t.Errorf("without result fields the raw body is the output, got %q", out.Text)
	}
}

func TestHTTP_CaughtFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"non-2xx", http.StatusBadGateway, "upstream down", "HTTP 502"},
		{"malformed JSON", http.StatusOK, "{not json", "malformed JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := newFixture(t, nil, stepClient(t, &permissions.NetworkPolicy{AllowPrivateNetworks: true}))
			out, err := run(t, f.dispatcher, workflow.HTTPSpec{
				Method:       "GET",
				URL:          srv.URL,
				ResultFields: []workflow.ResultField{{Name: "x", Path: "x"}},
			}, workflow.StepOutput{})
			if err != nil {
				t.Fatalf("failure should be caught, got %v", err)
			}
			if !strings.Contains(out.Error, tt.wantErr) {
				t.Errorf("Error = %q, want it to contain %q", out.Error, tt.wantErr)
			}
		})
	}
}

func TestHTTP_BlockedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach a private address")
	}))
	defer srv.Close()

	f := newFixture(t, nil, stepClient(t, &permissions.NetworkPolicy{}))
	_, err := run(t, f.dispatcher, workflow.HTTPSpec{Method: "GET", URL: srv.URL}, workflow.StepOutput{})

	var perr *permissions.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
}

func TestHTTP_RejectsHeaderInjection(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := run(t, f.dispatcher, workflow.HTTPSpec{
		Method:  "GET",
		URL:     "https://api.test/",
		Headers: map[string]string{"X-Query": "{{input}}"},
	}, workflow.StepOutput{Text: "a\r\nX-Evil: 1"})

	var vErr *pkgerrors.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
