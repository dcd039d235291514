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

package shared

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/modelchain/pkg/workflow"
)

var (
	StatusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	StatusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	StatusInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	// Muted is used for ids, durations and previews.
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	Bold  = lipgloss.NewStyle().Bold(true)
)

const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

func RenderOK(msg string) string    { return StatusOK.Render(SymbolOK) + " " + msg }
func RenderWarn(msg string) string  { return StatusWarn.Render(SymbolWarn) + " " + msg }
func RenderError(msg string) string { return StatusError.Render(SymbolError) + " " + msg }

// RenderStatus renders the closing line for an execution in status s.
func RenderStatus(s workflow.ExecutionStatus) string {
	msg := "Workflow " + string(s)
	switch s {
	case workflow.StatusCompleted:
		return RenderOK(msg)
	case workflow.StatusFailed:
		return RenderError(msg)
	case workflow.StatusCancelled:
		return RenderWarn(msg)
	default:
		return StatusInfo.Render(SymbolInfo) + " " + msg
	}
}

// IsTerminal reports whether f is attached to a terminal. NO_COLOR
// disables the in-place redraw along with colors.
func IsTerminal(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
