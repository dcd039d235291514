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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/modelchain/internal/commands/shared"
	"github.com/tombee/modelchain/pkg/workflow"
)

const lookupWorkflow = `name: Lookup
steps:
  - id: in
    order: 0
    kind: input
  - id: lookup
    order: 1
    kind: generic_http
    generic_http:
      method: GET
      url: %s/define?word={{input}}&tone={{tone}}
      result_fields:
        - name: definition
          path: .definition
  - id: out
    order: 2
    kind: output
`

// setup writes a config file rooted in a temp dir plus a workflow that
// calls a local dictionary server.
func setup(t *testing.T) string {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		json.NewEncoder(w).Encode(map[string]string{
			"definition": fmt.Sprintf("%s: meaning of %s", q.Get("tone"), q.Get("word")),
		})
	}))
	t.Cleanup(api.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`log:
  level: error
storage:
  workflows_dir: %s
  files_dir: %s
http_steps:
  allow_private_networks: true
`, filepath.Join(dir, "workflows"), filepath.Join(dir, "files"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })

	wfPath := filepath.Join(dir, "lookup.yaml")
	if err := os.WriteFile(wfPath, []byte(fmt.Sprintf(lookupWorkflow, api.URL)), 0o644); err != nil {
		t.Fatal(err)
	}
	return wfPath
}

func TestRunCommand(t *testing.T) {
	wfPath := setup(t)
	outPath := filepath.Join(t.TempDir(), "out.txt")

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{wfPath, "-i", "ephemeral", "--param", "tone=formal", "-o", outPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Workflow completed") {
		t.Errorf("missing completion line:\n%s", out.String())
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("output file not written: %v", err)
	}
	if string(data) != "formal: meaning of ephemeral" {
		t.Errorf("output = %q", data)
	}
}

func TestRunCommand_JSON(t *testing.T) {
	wfPath := setup(t)

	rootCmd := &cobra.Command{Use: "test", SilenceErrors: true, SilenceUsage: true}
	_, _, jsonPtr, _ := shared.RegisterFlagPointers()
	rootCmd.PersistentFlags().BoolVar(jsonPtr, "json", false, "JSON output")
	defer func() { *jsonPtr = false }()
	rootCmd.AddCommand(NewCommand())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--json", wfPath, "-i", "terse", "--param", "tone=plain"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var rec workflow.ExecutionRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out.String())
	}
	if rec.Status != workflow.StatusCompleted || rec.FinalOutput != "plain: meaning of terse" {
		t.Errorf("record = %+v", rec)
	}
	if rec.UserID != localUser || len(rec.Results) != 3 {
		t.Errorf("record = %+v", rec)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	wfPath := setup(t)
	dir := filepath.Dir(wfPath)

	unknown := filepath.Join(dir, "unknown.yaml")
	body := "name: x\nsteps:\n  - id: gen\n    order: 0\n    kind: hosted_model\n    hosted_model:\n      model: no-such-model\n"
	if err := os.WriteFile(unknown, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "missing file", args: []string{filepath.Join(dir, "none.yaml")}, code: shared.ExitInvalidWorkflow},
		{name: "unknown model", args: []string{unknown}, code: shared.ExitInvalidWorkflow},
		{name: "bad file input", args: []string{wfPath, "--file", "https://example.com/unknown"}, code: shared.ExitMissingInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewCommand()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			if got := shared.ExitCode(cmd.Execute()); got != tt.code {
				t.Errorf("exit code = %d, want %d", got, tt.code)
			}
		})
	}
}
