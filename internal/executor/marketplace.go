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
	"log/slog"
	"net/url"
	"strings"

	"github.com/tombee/modelchain/internal/catalog"
	"github.com/tombee/modelchain/internal/jq"
	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/llm/providers"
	"github.com/tombee/modelchain/pkg/workflow"
)

// maxErrorText bounds error reports carried in step outputs.
const maxErrorText = 500

// placeholderImageBase serves stub images when no marketplace token is set.
const placeholderImageBase = "https://placehold.co/1024x1024/png?text="

// fileSlots are the parameter names filled from input files.
var fileSlots = []workflow.MediaType{workflow.MediaImage, workflow.MediaAudio, workflow.MediaVideo}

type marketplaceExecutor struct {
	catalog   Catalog
	client    Marketplace
	extractor *jq.Extractor
	logger    *slog.Logger
}

func (m *marketplaceExecutor) execute(ctx context.Context, step workflow.Step, spec workflow.MarketplaceSpec, in workflow.StepOutput) (workflow.StepOutput, error) {
	entry, err := resolveModel(m.catalog, step, spec.Model)
	if err != nil {
		return workflow.StepOutput{}, err
	}
	if !entry.IsMarketplace {
		return workflow.StepOutput{}, &errors.ConfigError{
			Key:    "steps." + step.ID + ".kind",
			Reason: fmt.Sprintf("model %s is not a marketplace model", entry.ID),
		}
	}

	input := buildInput(spec, in)

	if m.client == nil {
		return stubOutput(entry, input), nil
	}

	pred, err := m.client.Predict(ctx, entry.ProviderModel(), input)
	if err != nil {
		if ctx.Err() != nil {
			return workflow.StepOutput{}, err
		}
		m.logger.Warn("marketplace prediction failed",
			slog.String(log.ModelKey, entry.ID),
			slog.Any("error", err),
		)
		// The report becomes the step's text so the run still completes.
		return workflow.StepOutput{Text: providers.Truncate("marketplace error: "+err.Error(), maxErrorText)}, nil
	}

	output := pred.Output
	if spec.OutputPath != "" {
		vals, err := m.extractor.Query(ctx, spec.OutputPath, output)
		if err != nil {
			return workflow.StepOutput{}, &errors.ConfigError{
				Key:    "steps." + step.ID + ".marketplace_model.output_path",
				Reason: "output path failed",
				Cause:  err,
			}
		}
		switch len(vals) {
		case 0:
			output = nil
		case 1:
			output = vals[0]
		default:
			output = vals
		}
	}
	return normalizeOutput(entry.Category, output), nil
}

// buildInput binds {{input}} in the declared params, adds the prompt and
// fills file slots from the first input file of each media type. Declared
// but unbound slots are filled in place; when neither the single nor the
// plural form is declared the single form is added.
func buildInput(spec workflow.MarketplaceSpec, in workflow.StepOutput) map[string]any {
	input, _ := workflow.BindInputValue(spec.Params, in.Text).(map[string]any)
	if input == nil {
		input = make(map[string]any)
	}
	if spec.Prompt != "" && unbound(input["prompt"]) {
		input["prompt"] = workflow.BindInput(spec.Prompt, in.Text)
	}

	for _, mt := range fileSlots {
		f, ok := in.FirstFile(mt)
		if !ok {
			continue
		}
		single := string(mt) + "_url"
		plural := single + "s"
		sv, hasSingle := input[single]
		pv, hasPlural := input[plural]
		if hasSingle && unbound(sv) {
			input[single] = f.URL
		}
		if hasPlural && unbound(pv) {
			input[plural] = []any{f.URL}
		}
		if !hasSingle && !hasPlural {
			input[single] = f.URL
		}
	}
	return input
}

// unbound reports whether a parameter value still needs filling.
func unbound(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == "" || workflow.IsUnresolved(t)
	case []any:
		for _, e := range t {
			if !unbound(e) {
				return false
			}
		}
		return true
	case []string:
		for _, s := range t {
			if s != "" && !workflow.IsUnresolved(s) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func stubOutput(entry catalog.Entry, input map[string]any) workflow.StepOutput {
	switch entry.Category {
	case workflow.MediaImage:
		u := placeholderImageBase + url.QueryEscape(entry.ID)
		return workflow.StepOutput{
			Text:  u,
			Files: []workflow.FileInput{{URL: u, MediaType: workflow.MediaImage, MimeType: "image/png"}},
		}
	case workflow.MediaAudio, workflow.MediaVideo:
		return workflow.StepOutput{
			Text: fmt.Sprintf("[%s from %s would be generated here; no marketplace token is configured]", entry.Category, entry.ID),
		}
	default:
		prompt, _ := input["prompt"].(string)
		return workflow.StepOutput{
			Text: fmt.Sprintf("[preview from %s] %s", entry.ID, providers.Truncate(prompt, 200)),
		}
	}
}

// normalizeOutput maps the marketplace's output shapes onto a StepOutput:
// a plain string, a list of URLs or text chunks, or an object carrying a
// url/output/text field.
func normalizeOutput(category workflow.MediaType, v any) workflow.StepOutput {
	switch t := v.(type) {
	case nil:
		return workflow.StepOutput{}
	case string:
		if isURL(t) && category.IsFile() {
			return workflow.StepOutput{Text: t, Files: []workflow.FileInput{fileFor(category, t)}}
		}
		return workflow.StepOutput{Text: t}
	case []any:
		var (
			urls  []string
			parts []string
		)
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				parts = append(parts, jq.Stringify(e))
				continue
			}
			if isURL(s) {
				urls = append(urls, s)
			} else {
				parts = append(parts, s)
			}
		}
		if len(urls) > 0 && category.IsFile() {
			out := workflow.StepOutput{Text: urls[0]}
			for _, u := range urls {
				out.Files = append(out.Files, fileFor(category, u))
			}
			return out
		}
		if len(urls) > 0 {
			parts = append(parts, urls...)
		}
		// Language models stream tokens as a list of fragments.
		return workflow.StepOutput{Text: strings.Join(parts, "")}
	case map[string]any:
		for _, key := range []string{"url", "output", "video", "audio", "audio_out", "image"} {
			if inner, ok := t[key]; ok {
				return normalizeOutput(category, inner)
			}
		}
		if s, ok := t["text"].(string); ok {
			return workflow.StepOutput{Text: s}
		}
		return workflow.StepOutput{Text: jq.Stringify(t)}
	default:
		return workflow.StepOutput{Text: jq.Stringify(t)}
	}
}

func fileFor(category workflow.MediaType, u string) workflow.FileInput {
	mt := category
	if byName, ok := workflow.MediaTypeFromName(u); ok && byName.IsFile() {
		mt = byName
	}
	return workflow.FileInput{URL: u, MediaType: mt}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "data:")
}
