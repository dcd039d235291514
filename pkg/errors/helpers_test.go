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

package errors_test

import (
	"errors"
	"strings"
	"testing"

	mcerrors "github.com/tombee/modelchain/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("original error")
		wrapped := mcerrors.Wrap(original, "additional context")

		msg := wrapped.Error()
		if !strings.Contains(msg, "additional context") || !strings.Contains(msg, "original error") {
			t.Errorf("unexpected wrapped message: %s", msg)
		}
		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if wrapped := mcerrors.Wrap(nil, "context"); wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	original := errors.New("file not found")
	wrapped := mcerrors.Wrapf(original, "loading workflow %s", "summarize")

	if got := wrapped.Error(); got != "loading workflow summarize: file not found" {
		t.Errorf("Wrapf() = %q", got)
	}
	if mcerrors.Wrapf(nil, "x %d", 1) != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
}
