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

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func testRoot(t *testing.T) *cobra.Command {
	t.Helper()
	rootCmd := NewRootCommand(BuildInfo{})

	runCmd := &cobra.Command{
		Use:         "run <workflow>",
		Short:       "Execute a workflow",
		Example:     "  modelchain run wf.yaml",
		Annotations: map[string]string{"group": "execution"},
		RunE:        func(*cobra.Command, []string) error { return nil },
	}
	runCmd.Flags().StringP("input", "i", "", "Input text")
	serveCmd := &cobra.Command{
		Use:         "serve",
		Short:       "Run the server",
		Annotations: map[string]string{"group": "service"},
		RunE:        func(*cobra.Command, []string) error { return nil },
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		RunE:  func(*cobra.Command, []string) error { return nil },
	}
	rootCmd.AddCommand(runCmd, serveCmd, versionCmd)

	t.Cleanup(func() {
		for _, name := range []string{"json", "verbose", "quiet"} {
			rootCmd.PersistentFlags().Set(name, "false")
		}
	})
	return rootCmd
}

func execute(t *testing.T, rootCmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestHelpCommand_Grouped(t *testing.T) {
	out, err := execute(t, testRoot(t), "help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}

	execIdx := strings.Index(out, "Execution")
	serviceIdx := strings.Index(out, "Service")
	otherIdx := strings.Index(out, "Other")
	if execIdx < 0 || serviceIdx < execIdx || otherIdx < serviceIdx {
		t.Errorf("groups missing or out of order:\n%s", out)
	}
	for _, want := range []string{"run", "Execute a workflow", "--json", "Global Flags"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestHelpCommandJSON(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, resp HelpResponse)
	}{
		{
			name: "lists all commands",
			args: []string{"help", "--json"},
			check: func(t *testing.T, resp HelpResponse) {
				if len(resp.Commands) < 3 {
					t.Errorf("expected at least 3 commands, got %d", len(resp.Commands))
				}
				if len(resp.GlobalFlags) == 0 {
					t.Error("expected global flags")
				}
			},
		},
		{
			name: "shows one command",
			args: []string{"help", "run", "--json"},
			check: func(t *testing.T, resp HelpResponse) {
				if resp.Command == nil || resp.Command.Name != "run" {
					t.Fatalf("command = %+v", resp.Command)
				}
				if resp.Command.Group != "execution" {
					t.Errorf("group = %q", resp.Command.Group)
				}
				if len(resp.Command.Flags) != 1 || resp.Command.Flags[0].Shorthand != "i" {
					t.Errorf("flags = %+v", resp.Command.Flags)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, testRoot(t), tt.args...)
			if err != nil {
				t.Fatalf("help failed: %v", err)
			}
			var resp HelpResponse
			if err := json.Unmarshal([]byte(out), &resp); err != nil {
				t.Fatalf("invalid JSON: %v\n%s", err, out)
			}
			tt.check(t, resp)
		})
	}
}

func TestHelpCommand_Unknown(t *testing.T) {
	if _, err := execute(t, testRoot(t), "help", "nope"); err == nil {
		t.Error("expected error for unknown command")
	}
}
