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
	"log/slog"
	"net/http"

	"github.com/tombee/modelchain/internal/runner"
	pkgerrors "github.com/tombee/modelchain/pkg/errors"
)

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error      string `json:"error"`
	Type       string `json:"type"`
	Suggestion string `json:"suggestion,omitempty"`
}

// statusFor maps an error onto an HTTP status via its classification.
func statusFor(err error) int {
	if errors.Is(err, runner.ErrDraining) {
		return http.StatusServiceUnavailable
	}
	switch pkgerrors.TypeOf(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "balance":
		return http.StatusPaymentRequired
	case "signup_required":
		return http.StatusUnauthorized
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func toErrorResponse(err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Type: pkgerrors.TypeOf(err)}
	if errors.Is(err, runner.ErrDraining) {
		resp.Type = "unavailable"
	}

	var visible pkgerrors.UserVisibleError
	if errors.As(err, &visible) && visible.IsUserVisible() {
		resp.Error = visible.UserMessage()
		resp.Suggestion = visible.Suggestion()
	}
	if resp.Type == "internal" {
		resp.Error = "internal server error"
	}
	return resp
}

func (s *Server) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, toErrorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
