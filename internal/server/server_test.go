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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/backend/memory"
	"github.com/tombee/modelchain/internal/billing"
	"github.com/tombee/modelchain/internal/catalog"
	"github.com/tombee/modelchain/internal/metrics"
	"github.com/tombee/modelchain/internal/runner"
	pkgerrors "github.com/tombee/modelchain/pkg/errors"
	"github.com/tombee/modelchain/pkg/workflow"
)

var testJWT = auth.JWTConfig{Secret: []byte("test-secret")}

func summarize(_ context.Context, req workflow.StepRequest) (workflow.StepOutput, error) {
	if req.Step.Kind() == workflow.KindHostedModel {
		return workflow.StepOutput{Text: "summary of " + req.Input.Text}, nil
	}
	return req.Input, nil
}

func summaryWorkflow(id string, public bool, price int64) *workflow.Workflow {
	return &workflow.Workflow{
		ID:            id,
		Public:        public,
		DeclaredPrice: price,
		Steps: []workflow.Step{
			{ID: "in", Order: 0, Spec: workflow.InputSpec{Accepts: []workflow.MediaType{workflow.MediaText}}},
			{ID: "sum", Order: 1, Spec: workflow.HostedModelSpec{Model: "gpt-4o", Prompt: "Summarize: {{input}}"}},
			{ID: "out", Order: 2, Spec: workflow.OutputSpec{}},
		},
	}
}

type fixture struct {
	server  *Server
	http    *httptest.Server
	runner  *runner.Runner
	ledger  *billing.MemoryLedger
	metrics *metrics.Recorder
}

func newFixture(t *testing.T, limiter *auth.RateLimiter) *fixture {
	t.Helper()
	store := memory.New()
	for _, wf := range []*workflow.Workflow{
		summaryWorkflow("public", true, 0),
		summaryWorkflow("private", false, 0),
		summaryWorkflow("pricey", false, 50),
	} {
		require.NoError(t, store.SaveWorkflow(context.Background(), wf))
	}

	ledger := billing.NewMemoryLedger(10)
	rec := metrics.New()
	r, err := runner.New(runner.Config{
		Workflows:      store,
		Executions:     store,
		Ledger:         ledger,
		Pricing:        catalog.New(),
		Controller:     workflow.NewController(workflow.StepExecutorFunc(summarize)),
		Metrics:        rec,
		AnonymousTrial: true,
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Runner:  r,
		Auth:    &auth.Authenticator{JWT: testJWT},
		Limiter: limiter,
		Metrics: rec,
		Files: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "file:"+r.URL.Path)
		}),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		r.Stop(context.Background())
	})
	return &fixture{server: srv, http: ts, runner: r, ledger: ledger, metrics: rec}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.GenerateJWT(auth.Claims{UserID: user}, testJWT)
	require.NoError(t, err)
	return tok
}

func (f *fixture) post(t *testing.T, path, bearer, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readSSE(t *testing.T, resp *http.Response) []workflow.Event {
	t.Helper()
	var events []workflow.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev workflow.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestStart_StreamsEvents(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/v1/workflows/private/executions", token(t, "alice"), `{"text":"a long article"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Execution-ID"))

	events := readSSE(t, resp)
	require.NotEmpty(t, events)

	types := make([]workflow.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []workflow.EventType{
		workflow.EventWorkflowStart,
		workflow.EventStepStart,
		workflow.EventStepComplete,
		workflow.EventWorkflowComplete,
	}, types)

	last := events[len(events)-1]
	assert.Equal(t, workflow.StatusCompleted, last.Status)
	require.NotNil(t, last.FinalCost)
	assert.Equal(t, int64(5), *last.FinalCost)
	assert.Equal(t, "summary of a long article", events[2].Output)

	balance, err := f.ledger.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestStart_DetachedThenPoll(t *testing.T) {
	f := newFixture(t, nil)
	alice := token(t, "alice")

	resp := f.post(t, "/v1/workflows/private/executions?mode=detached", alice, `{"text":"notes"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.ExecutionID)
	assert.Equal(t, started.StatusURL, resp.Header.Get("Location"))

	var rec workflow.ExecutionRecord
	require.Eventually(t, func() bool {
		poll := f.get(t, started.StatusURL, alice)
		if poll.StatusCode != http.StatusOK {
			return false
		}
		rec = workflow.ExecutionRecord{}
		if err := json.NewDecoder(poll.Body).Decode(&rec); err != nil {
			return false
		}
		return rec.Status == workflow.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "summary of notes", rec.FinalOutput)
	assert.Len(t, rec.Results, 3)

	other := f.get(t, started.StatusURL, token(t, "bob"))
	assert.Equal(t, http.StatusNotFound, other.StatusCode)

	list := f.get(t, "/v1/executions?status=completed", alice)
	require.Equal(t, http.StatusOK, list.StatusCode)
	var listed struct {
		Executions []workflow.ExecutionRecord `json:"executions"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&listed))
	require.Len(t, listed.Executions, 1)
	assert.Equal(t, started.ExecutionID, listed.Executions[0].ID)

	bad := f.get(t, "/v1/executions?limit=zero", alice)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestStart_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		user     string
		body     string
		wantCode int
		wantType string
	}{
		{name: "unknown workflow", path: "/v1/workflows/missing/executions", user: "alice", wantCode: http.StatusNotFound, wantType: "not_found"},
		{name: "insufficient balance", path: "/v1/workflows/pricey/executions", user: "alice", wantCode: http.StatusPaymentRequired, wantType: "balance"},
		{name: "anonymous on private workflow", path: "/v1/workflows/private/executions", wantCode: http.StatusUnauthorized, wantType: "signup_required"},
		{name: "malformed body", path: "/v1/workflows/private/executions", user: "alice", body: `{"text":`, wantCode: http.StatusBadRequest, wantType: "validation"},
		{name: "bad file media type", path: "/v1/workflows/private/executions", user: "alice", body: `{"files":[{"url":"http://x/a","media_type":"text"}]}`, wantCode: http.StatusBadRequest, wantType: "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			bearer := ""
			if tt.user != "" {
				bearer = token(t, tt.user)
			}
			resp := f.post(t, tt.path, bearer, tt.body)
			require.Equal(t, tt.wantCode, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantType, body.Type)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestStart_UnknownMode(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.post(t, "/v1/workflows/private/executions?mode=later", token(t, "alice"), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStart_InvalidTokenRejected(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.post(t, "/v1/workflows/private/executions", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestStart_AnonymousTrialOnce(t *testing.T) {
	f := newFixture(t, nil)

	first := f.post(t, "/v1/workflows/public/executions", "", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, first.StatusCode)
	events := readSSE(t, first)
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.StatusCompleted, events[len(events)-1].Status)

	second := f.post(t, "/v1/workflows/public/executions", "", `{"text":"again"}`)
	assert.Equal(t, http.StatusUnauthorized, second.StatusCode)
}

func TestStart_RateLimited(t *testing.T) {
	limiter := auth.NewRateLimiter(auth.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, BurstSize: 1})
	f := newFixture(t, limiter)
	alice := token(t, "alice")

	first := f.post(t, "/v1/workflows/private/executions?mode=detached", alice, "")
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := f.post(t, "/v1/workflows/private/executions?mode=detached", alice, "")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))

	bob := f.post(t, "/v1/workflows/private/executions?mode=detached", token(t, "bob"), "")
	assert.Equal(t, http.StatusAccepted, bob.StatusCode)
}

func TestWebSocket_StreamsEvents(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/workflows/private/executions/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token(t, "alice")}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(workflow.ExecutionInput{Text: "by socket"}))

	var events []workflow.Event
	for {
		var ev workflow.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	assert.Equal(t, workflow.EventWorkflowStart, events[0].Type)
	assert.Equal(t, "summary of by socket", events[2].Output)
	assert.Equal(t, workflow.StatusCompleted, events[3].Status)
}

func TestWebSocket_AdmissionError(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/workflows/pricey/executions/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token(t, "alice")}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(workflow.ExecutionInput{Text: "x"}))

	var msg wsError
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, http.StatusPaymentRequired, msg.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)

	f.runner.StartDraining()

	resp = f.get(t, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	start := f.post(t, "/v1/workflows/private/executions", token(t, "alice"), "")
	assert.Equal(t, http.StatusServiceUnavailable, start.StatusCode)
}

func TestAuxiliaryRoutes(t *testing.T) {
	f := newFixture(t, nil)

	files := f.get(t, "/files/abc.png", "")
	assert.Equal(t, http.StatusOK, files.StatusCode)

	resp := f.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	assert.Contains(t, sb.String(), "go_goroutines")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&pkgerrors.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{&pkgerrors.NotFoundError{Resource: "workflow", ID: "w"}, http.StatusNotFound},
		{&pkgerrors.BalanceError{Required: 2}, http.StatusPaymentRequired},
		{&pkgerrors.SignupRequiredError{Identity: "anon:x"}, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", &pkgerrors.NotFoundError{Resource: "execution", ID: "e"}), http.StatusNotFound},
		{runner.ErrDraining, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}

	resp := toErrorResponse(errors.New("secret detail"))
	assert.Equal(t, "internal server error", resp.Error)
}

func TestServe_ShutdownOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.server.cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.server.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return f.server.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.True(t, f.runner.Draining())
}
