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

package workflow

import "strings"

// ResolveInput computes the effective input of a step.
//
// An override always wins. A step with no parents, or whose parents have
// not produced output yet, receives current unchanged. Otherwise the parent
// texts are joined with a blank line in parent order, skipping empty texts,
// and the parent files followed by current's files are deduplicated by URL,
// keeping the first occurrence.
func ResolveInput(parents []string, outputs map[string]StepOutput, current StepOutput, override *StepOutput) StepOutput {
	if override != nil {
		return *override
	}
	if len(parents) == 0 {
		return current
	}

	var (
		texts []string
		files []FileInput
		found bool
	)
	for _, id := range parents {
		out, ok := outputs[id]
		if !ok {
			continue
		}
		found = true
		if out.Text != "" {
			texts = append(texts, out.Text)
		}
		files = append(files, out.Files...)
	}
	if !found {
		return current
	}

	files = append(files, current.Files...)
	return StepOutput{
		Text:  strings.Join(texts, "\n\n"),
		Files: DedupeFiles(files),
	}
}

// DedupeFiles drops files whose URL was already seen, preserving order.
func DedupeFiles(files []FileInput) []FileInput {
	if len(files) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(files))
	out := make([]FileInput, 0, len(files))
	for _, f := range files {
		if seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		out = append(out, f)
	}
	return out
}
