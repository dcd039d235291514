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

package run

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	pkgerrors "github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/workflow"
)

// inputFlags are the raw command-line inputs of a run.
type inputFlags struct {
	text      string
	inputFile string
	files     []string
	params    []string
}

// buildInput assembles the execution input. The JSON input file is read
// first; --input, --file and --param are applied over it.
func buildInput(f inputFlags, stdin io.Reader) (workflow.ExecutionInput, error) {
	var in workflow.ExecutionInput

	if f.inputFile != "" {
		data, err := readInputFile(f.inputFile, stdin)
		if err != nil {
			return in, err
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return in, &pkgerrors.ValidationError{
				Field:      "input-file",
				Message:    fmt.Sprintf("invalid JSON input: %v", err),
				Suggestion: `the file must hold an object such as {"text": "...", "files": [...]}`,
			}
		}
	}

	if f.text != "" {
		in.Text = f.text
	}

	for _, raw := range f.files {
		file, err := parseFile(raw)
		if err != nil {
			return in, err
		}
		in.Files = append(in.Files, file)
	}

	params, err := parseParams(f.params)
	if err != nil {
		return in, err
	}
	if len(params) > 0 {
		if in.Params == nil {
			in.Params = make(map[string]string, len(params))
		}
		for k, v := range params {
			in.Params[k] = v
		}
	}

	for i, file := range in.Files {
		if !file.MediaType.IsFile() || file.URL == "" {
			return in, &pkgerrors.ValidationError{
				Field:   fmt.Sprintf("files[%d]", i),
				Message: "file inputs need a url and a file media type",
			}
		}
	}
	return in, nil
}

func readInputFile(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read input from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return data, nil
}

// parseFile accepts "url" or "type=url". Without a type the media type is
// inferred from the URL's extension.
func parseFile(raw string) (workflow.FileInput, error) {
	url := raw
	var media workflow.MediaType

	if kind, rest, ok := strings.Cut(raw, "="); ok && !strings.Contains(kind, "/") && !strings.Contains(kind, ":") {
		media = workflow.MediaType(strings.ToLower(kind))
		url = rest
	} else {
		m, ok := workflow.MediaTypeFromName(url)
		if !ok {
			return workflow.FileInput{}, &pkgerrors.ValidationError{
				Field:      "file",
				Message:    fmt.Sprintf("cannot infer media type of %q", raw),
				Suggestion: "prefix the url with its type, e.g. image=https://example.com/cat",
			}
		}
		media = m
	}

	if !media.IsFile() {
		return workflow.FileInput{}, &pkgerrors.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("%q is not a file media type", media),
		}
	}
	if url == "" {
		return workflow.FileInput{}, &pkgerrors.ValidationError{Field: "file", Message: "file url is empty"}
	}
	return workflow.FileInput{URL: url, MediaType: media}, nil
}

// parseParams parses key=value pairs. Values may contain '='.
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, &pkgerrors.ValidationError{
				Field:      "param",
				Message:    fmt.Sprintf("invalid param %q", arg),
				Suggestion: "use key=value",
			}
		}
		params[k] = v
	}
	return params, nil
}
