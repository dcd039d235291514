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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantLevel  string
		wantFormat Format
		wantSource bool
	}{
		{name: "defaults", env: map[string]string{}, wantLevel: "info", wantFormat: FormatJSON},
		{name: "LOG_LEVEL", env: map[string]string{"LOG_LEVEL": "DEBUG"}, wantLevel: "debug", wantFormat: FormatJSON},
		{
			name:       "MODELCHAIN_LOG_LEVEL wins over LOG_LEVEL",
			env:        map[string]string{"LOG_LEVEL": "debug", "MODELCHAIN_LOG_LEVEL": "warn"},
			wantLevel:  "warn",
			wantFormat: FormatJSON,
		},
		{
			name:       "MODELCHAIN_DEBUG wins over everything",
			env:        map[string]string{"MODELCHAIN_DEBUG": "1", "MODELCHAIN_LOG_LEVEL": "error"},
			wantLevel:  "debug",
			wantFormat: FormatJSON,
			wantSource: true,
		},
		{name: "text format", env: map[string]string{"LOG_FORMAT": "TEXT"}, wantLevel: "info", wantFormat: FormatText},
		{name: "source", env: map[string]string{"LOG_SOURCE": "1"}, wantLevel: "info", wantFormat: FormatJSON, wantSource: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"MODELCHAIN_DEBUG", "MODELCHAIN_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFormat {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFormat)
			}
			if cfg.AddSource != tt.wantSource {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.wantSource)
			}
		})
	}
}

func TestNew_JSONContainsRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRunContext(logger, "run-1", "wf-1").Info("started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if entry[RunIDKey] != "run-1" || entry[WorkflowKey] != "wf-1" {
		t.Errorf("missing run context: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSanitizeAPIKey(t *testing.T) {
	if got := SanitizeAPIKey("sk-abcdef1234"); got != "...1234" {
		t.Errorf("SanitizeAPIKey = %q", got)
	}
	if got := SanitizeAPIKey("abc"); got != "[REDACTED]" {
		t.Errorf("short key = %q", got)
	}
}

func TestTrace_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})
	Trace(t.Context(), logger, "hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("trace entry should be dropped at debug level")
	}

	logger = New(&Config{Level: "trace", Format: FormatText, Output: &buf})
	Trace(t.Context(), logger, "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("trace entry should be written at trace level")
	}
}
