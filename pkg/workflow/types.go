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

// Package workflow is the execution engine for chained model pipelines.
//
// A Workflow is an ordered list of Steps plus an edge set. The Controller
// runs steps strictly in declared order, folding parent outputs into each
// step's input through the dependency resolver, resolving {{name}}
// placeholders against a SubstitutionTable, and dispatching the step to a
// StepExecutor. Progress flows to an Emitter, which either streams events
// to a connected caller or checkpoints the ExecutionRecord for polling.
package workflow

import (
	"path"
	"strings"
	"time"
)

// MediaType is the kind of artifact a step consumes or produces.
type MediaType string

const (
	MediaText     MediaType = "text"
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

// FileMediaTypes lists the media types carried as files, in anchor order.
var FileMediaTypes = []MediaType{MediaImage, MediaAudio, MediaVideo, MediaDocument}

// Valid reports whether m is a known media type.
func (m MediaType) Valid() bool {
	switch m {
	case MediaText, MediaImage, MediaAudio, MediaVideo, MediaDocument:
		return true
	}
	return false
}

// IsFile reports whether values of this type travel as file URLs.
func (m MediaType) IsFile() bool {
	return m.Valid() && m != MediaText
}

// MediaTypeFromMime maps a MIME type onto a media type, defaulting to
// document for unrecognised binary types.
func MediaTypeFromMime(mime string) MediaType {
	major, _, _ := strings.Cut(strings.ToLower(mime), "/")
	switch major {
	case "image":
		return MediaImage
	case "audio":
		return MediaAudio
	case "video":
		return MediaVideo
	case "text":
		return MediaText
	}
	return MediaDocument
}

var extMedia = map[string]MediaType{
	".png": MediaImage, ".jpg": MediaImage, ".jpeg": MediaImage, ".gif": MediaImage, ".webp": MediaImage,
	".mp3": MediaAudio, ".wav": MediaAudio, ".m4a": MediaAudio, ".ogg": MediaAudio, ".flac": MediaAudio,
	".mp4": MediaVideo, ".webm": MediaVideo, ".mov": MediaVideo,
	".pdf": MediaDocument, ".txt": MediaDocument, ".docx": MediaDocument, ".md": MediaDocument,
}

// MediaTypeFromName infers a media type from a file name or URL extension.
// ok is false when the extension is unknown.
func MediaTypeFromName(name string) (MediaType, bool) {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	m, ok := extMedia[strings.ToLower(path.Ext(name))]
	return m, ok
}

// FileInput is a file reference flowing between steps.
type FileInput struct {
	URL       string    `json:"url" yaml:"url"`
	MediaType MediaType `json:"media_type" yaml:"media_type"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	MimeType  string    `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
}

// StepOutput is the unit of data produced by a step and consumed by the next.
// A non-empty Error marks a caught provider failure; the controller treats
// it as a step failure.
type StepOutput struct {
	Text  string      `json:"text"`
	Files []FileInput `json:"files,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Failed reports whether the output carries an error marker.
func (o StepOutput) Failed() bool { return o.Error != "" }

// FirstFile returns the first file of media type m.
func (o StepOutput) FirstFile(m MediaType) (FileInput, bool) {
	for _, f := range o.Files {
		if f.MediaType == m {
			return f, true
		}
	}
	return FileInput{}, false
}

// ExecutionInput is the caller-supplied payload for one execution.
type ExecutionInput struct {
	Text  string      `json:"text"`
	Files []FileInput `json:"files,omitempty"`

	// StepInputs overrides the input of individual Input steps by step id.
	StepInputs map[string]StepOutput `json:"step_inputs,omitempty"`

	// Params are caller-supplied substitution values. They override the
	// input anchors of the same name.
	Params map[string]string `json:"params,omitempty"`
}

// StepResult records one attempted step.
type StepResult struct {
	StepID          string      `json:"step_id"`
	StepName        string      `json:"step_name"`
	Kind            StepKind    `json:"kind"`
	Output          string      `json:"output"`
	Files           []FileInput `json:"files,omitempty"`
	OutputMediaType MediaType   `json:"output_media_type"`
	DurationMs      int64       `json:"duration_ms"`
	Error           string      `json:"error,omitempty"`
}

// ExecutionStatus is the lifecycle state of an ExecutionRecord.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionRecord is the persisted report of one execution.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	UserID     string          `json:"user_id,omitempty"`
	Anonymous  bool            `json:"anonymous"`
	Status     ExecutionStatus `json:"status"`
	Results    []StepResult    `json:"results"`

	// FinalOutput is the output of the last visible step that completed.
	FinalOutput string      `json:"final_output"`
	FinalFiles  []FileInput `json:"final_files,omitempty"`

	FinalCost int64 `json:"final_cost"`

	// BillingError is set when a completed run could not be charged, for
	// example after a concurrent run spent the balance it was admitted on.
	BillingError string `json:"billing_error,omitempty"`

	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewExecutionRecord returns a record in the Running state.
func NewExecutionRecord(id, workflowID string) *ExecutionRecord {
	return &ExecutionRecord{
		ID:         id,
		WorkflowID: workflowID,
		Status:     StatusRunning,
		Results:    []StepResult{},
		StartedAt:  time.Now().UTC(),
	}
}

// Clone returns a copy safe to hand to another goroutine.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	c := *r
	c.Results = make([]StepResult, len(r.Results))
	for i, res := range r.Results {
		res.Files = append([]FileInput(nil), res.Files...)
		c.Results[i] = res
	}
	c.FinalFiles = append([]FileInput(nil), r.FinalFiles...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Edge is a data dependency from Source to Target.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Param is a named literal a step contributes to the substitution table.
type Param struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}
