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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/modelchain/internal/jq"
	"github.com/tombee/modelchain/internal/permissions"
	"github.com/tombee/modelchain/internal/tracing"
	"github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/httpclient"
	"github.com/tombee/modelchain/pkg/llm/providers"
	"github.com/tombee/modelchain/pkg/workflow"
)

// sensitiveHeaders cannot be set from a step definition.
var sensitiveHeaders = map[string]bool{
	"content-length":    true,
	"content-encoding":  true,
	"transfer-encoding": true,
	"host":              true,
}

// NewStepClient returns the client generic HTTP steps use. Every request is
// checked against policy before it leaves the process, and only idempotent
// methods are retried.
func NewStepClient(policy *permissions.NetworkPolicy, timeout time.Duration) (*http.Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "modelchain-steps/1.0"
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if policy != nil {
		cfg.Hosts = policy
	}
	return httpclient.New(cfg)
}

type httpExecutor struct {
	client    *http.Client
	extractor *jq.Extractor
}

func (e *httpExecutor) execute(ctx context.Context, spec workflow.HTTPSpec, in workflow.StepOutput) (workflow.StepOutput, error) {
	req, err := e.buildRequest(ctx, spec, in)
	if err != nil {
		return workflow.StepOutput{}, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		var perr *permissions.PermissionError
		if errors.As(err, &perr) {
			return workflow.StepOutput{}, perr
		}
		if ctx.Err() != nil {
			return workflow.StepOutput{}, err
		}
		return failed(fmt.Sprintf("%s %s failed: %v", req.Method, req.URL.Redacted(), err)), nil
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body)
	if err != nil {
		return failed(fmt.Sprintf("reading response: %v", err)), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))), nil
	}

	if len(spec.ResultFields) == 0 {
		return workflow.StepOutput{Text: string(body)}, nil
	}

	data, err := e.extractor.Decode(body)
	if err != nil {
		return failed(err.Error()), nil
	}

	var (
		out   workflow.StepOutput
		texts []string
	)
	for _, f := range spec.ResultFields {
		vals, err := e.extractor.Strings(ctx, f.Path, data)
		if err != nil {
			return workflow.StepOutput{}, &errors.ConfigError{
				Key:    "result_fields." + f.Name,
				Reason: "result path failed",
				Cause:  err,
			}
		}
		mt := f.MediaType
		if mt == "" {
			mt = workflow.MediaText
		}
		if !mt.IsFile() {
			if len(vals) > 0 {
				texts = append(texts, strings.Join(vals, "\n"))
			}
			continue
		}
		for _, v := range vals {
			out.Files = append(out.Files, workflow.FileInput{URL: v, MediaType: mt, Name: f.Name})
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out, nil
}

// buildRequest binds {{input}} into the URL, headers and params. GET and
// DELETE send params as the query string; other methods send a JSON body.
func (e *httpExecutor) buildRequest(ctx context.Context, spec workflow.HTTPSpec, in workflow.StepOutput) (*http.Request, error) {
	method := strings.ToUpper(spec.Method)
	rawURL := workflow.BindInput(spec.URL, url.QueryEscape(in.Text))
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &errors.ValidationError{
			Field:   "generic_http.url",
			Message: fmt.Sprintf("invalid URL %q", rawURL),
		}
	}

	params, _ := workflow.BindInputValue(spec.Params, in.Text).(map[string]any)

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(params) > 0 {
			q := u.Query()
			for k, v := range params {
				if arr, ok := v.([]any); ok {
					for _, item := range arr {
						q.Add(k, jq.Stringify(item))
					}
					continue
				}
				q.Set(k, jq.Stringify(v))
			}
			u.RawQuery = q.Encode()
		}
	default:
		if params == nil {
			params = map[string]any{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return nil, &errors.ValidationError{Field: "generic_http.params", Message: err.Error()}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range spec.Headers {
		if sensitiveHeaders[strings.ToLower(name)] {
			continue
		}
		value = workflow.BindInput(value, in.Text)
		if err := sanitizeHeaderValue(name, value); err != nil {
			return nil, &errors.ValidationError{Field: "generic_http.headers", Message: err.Error()}
		}
		req.Header.Set(name, value)
	}
	tracing.InjectIntoRequest(ctx, req)
	return req, nil
}

// sanitizeHeaderValue rejects values that would split the header block.
func sanitizeHeaderValue(name, value string) error {
	for i, c := range value {
		if c == '\r' || c == '\n' || c == '\x00' {
			return fmt.Errorf("header %q contains invalid character at position %d", name, i)
		}
	}
	return nil
}

func failed(msg string) workflow.StepOutput {
	return workflow.StepOutput{Error: providers.Truncate(msg, maxErrorText)}
}
