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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/backend"
	"github.com/tombee/modelchain/internal/runner"
	pkgerrors "github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/workflow"
)

const (
	maxInputBytes = 10 << 20

	// heartbeatInterval keeps idle SSE connections open through proxies.
	heartbeatInterval = 15 * time.Second
)

// startResponse is returned for a detached start.
type startResponse struct {
	ExecutionID string `json:"execution_id"`
	StatusURL   string `json:"status_url"`
}

// healthResponse is the body of /healthz.
type healthResponse struct {
	Status           string `json:"status"`
	ActiveExecutions int    `json:"active_executions"`
	Timestamp        string `json:"timestamp"`
}

// decodeInput reads the execution input from body. An empty body is an
// empty input.
func decodeInput(body io.Reader) (workflow.ExecutionInput, error) {
	var in workflow.ExecutionInput
	if err := json.NewDecoder(body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		return in, &pkgerrors.ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("invalid execution input: %v", err),
		}
	}
	for i, f := range in.Files {
		if !f.MediaType.IsFile() {
			return in, &pkgerrors.ValidationError{
				Field:   fmt.Sprintf("files[%d].media_type", i),
				Message: fmt.Sprintf("unsupported media type %q", f.MediaType),
			}
		}
		if f.URL == "" {
			return in, &pkgerrors.ValidationError{
				Field:   fmt.Sprintf("files[%d].url", i),
				Message: "url is required",
			}
		}
	}
	return in, nil
}

// admit identifies the caller, applies the rate limit and prepares the
// execution. It writes the error response itself and returns nil on
// failure.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, in workflow.ExecutionInput) *runner.Execution {
	id, _ := auth.FromContext(r.Context())
	if !s.cfg.Limiter.Allow(id.String()) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRejection(RejectRateLimited)
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil
	}

	exec, err := s.cfg.Runner.Prepare(r.Context(), runner.Request{
		WorkflowID: r.PathValue("id"),
		Identity:   id,
		Input:      in,
	})
	if err != nil {
		s.writeAPIError(w, r, err)
		return nil
	}
	return exec
}

// handleStart handles POST /v1/workflows/{id}/executions. The default mode
// streams progress as server-sent events; ?mode=detached returns the
// execution id immediately.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}

	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", "stream":
	case "detached":
		exec := s.admit(w, r, in)
		if exec == nil {
			return
		}
		id := exec.Detach(nil)
		statusURL := "/v1/executions/" + id
		w.Header().Set("Location", statusURL)
		writeJSON(w, http.StatusAccepted, startResponse{ExecutionID: id, StatusURL: statusURL})
		return
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", mode))
		return
	}

	// Checked before admission so an unsupported client does not spend
	// its trial.
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	exec := s.admit(w, r, in)
	if exec == nil {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Execution-ID", exec.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan workflow.Event)
	done := make(chan *workflow.ExecutionRecord, 1)
	go func() {
		done <- exec.Stream(r.Context(), events)
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Writes after a disconnect fail silently; the loop keeps draining
	// until Stream returns so the run can record its final state.
	for {
		select {
		case ev := <-events:
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse write failed", slog.String("execution_id", exec.ID()), slog.Any("error", err))
				continue
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-done:
			return
		}
	}
}

func writeSSE(w io.Writer, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// handleGet handles GET /v1/executions/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	rec, err := s.cfg.Runner.Get(r.Context(), id, r.PathValue("id"))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleList handles GET /v1/executions?workflow_id=&status=&limit=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := backend.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     workflow.ExecutionStatus(q.Get("status")),
		Limit:      50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, 500)
	}

	id, _ := auth.FromContext(r.Context())
	recs, err := s.cfg.Runner.List(r.Context(), id, filter)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": recs,
	})
}

// handleHealth handles GET /healthz. A draining server reports 503 so load
// balancers stop routing to it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		ActiveExecutions: s.cfg.Runner.ActiveCount(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if s.cfg.Runner.Draining() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
