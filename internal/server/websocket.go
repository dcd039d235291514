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
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/runner"
	"github.com/tombee/modelchain/pkg/workflow"
)

const (
	wsInputTimeout = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsError is sent before closing when an execution cannot start.
type wsError struct {
	Type       string `json:"type"`
	Status     int    `json:"status"`
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

// handleWebSocket handles GET /v1/workflows/{id}/executions/ws. The client
// sends the execution input as its first message and then receives one
// JSON message per progress event. The server closes the connection after
// the workflow_complete event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err), slog.String("remote", r.RemoteAddr))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxInputBytes)
	conn.SetReadDeadline(time.Now().Add(wsInputTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before input", slog.Any("error", err))
		return
	}

	in, err := decodeInput(bytes.NewReader(msg))
	if err != nil {
		s.closeWithError(conn, err)
		return
	}

	id, _ := auth.FromContext(r.Context())
	if !s.cfg.Limiter.Allow(id.String()) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRejection(RejectRateLimited)
		}
		s.sendClose(conn, wsError{Type: "error", Status: http.StatusTooManyRequests, Error: "rate limit exceeded"})
		return
	}

	exec, err := s.cfg.Runner.Prepare(r.Context(), runner.Request{
		WorkflowID: r.PathValue("id"),
		Identity:   id,
		Input:      in,
	})
	if err != nil {
		s.closeWithError(conn, err)
		return
	}

	// A hijacked connection's request context is not cancelled when the
	// peer goes away; the read loop does that instead.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	events := make(chan workflow.Event)
	done := make(chan *workflow.ExecutionRecord, 1)
	go func() {
		done <- exec.Stream(ctx, events)
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	alive := true
	for {
		select {
		case ev := <-events:
			if !alive {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", slog.String("execution_id", exec.ID()), slog.Any("error", err))
				alive = false
				cancel()
			}
		case <-ping.C:
			if !alive {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait)); err != nil {
				alive = false
				cancel()
			}
		case <-done:
			if alive {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
					time.Now().Add(wsWriteWait))
			}
			return
		}
	}
}

func (s *Server) closeWithError(conn *websocket.Conn, err error) {
	resp := toErrorResponse(err)
	s.sendClose(conn, wsError{
		Type:       "error",
		Status:     statusFor(err),
		Error:      resp.Error,
		Suggestion: resp.Suggestion,
	})
}

func (s *Server) sendClose(conn *websocket.Conn, msg wsError) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "execution rejected"),
		time.Now().Add(wsWriteWait))
}
