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

package serve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/modelchain/internal/commands/shared"
)

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	if cmd.Use != "serve" {
		t.Errorf("unexpected use %q", cmd.Use)
	}
	if cmd.Flags().Lookup("addr") == nil {
		t.Error("--addr flag not defined")
	}
}

func TestServe_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: postgres\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	shared.SetConfigPathForTest(path)
	defer shared.SetConfigPathForTest("")

	cmd := NewCommand()
	cmd.SetArgs([]string{})
	if got := shared.ExitCode(cmd.Execute()); got != shared.ExitConfigError {
		t.Errorf("exit code = %d, want %d", got, shared.ExitConfigError)
	}
}
