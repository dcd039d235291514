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
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tombee/modelchain/pkg/llm/providers"
	"github.com/tombee/modelchain/pkg/workflow"
)

// maxPreview bounds step output shown in verbose mode.
const maxPreview = 200

// ProgressPrinter renders execution events as terminal progress lines. It
// implements workflow.Emitter. On a TTY the running step line is rewritten
// in place when the step finishes.
type ProgressPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	isTTY   bool
	quiet   bool
	verbose bool

	total   int
	pending bool
}

// NewProgressPrinter writes to out. quiet prints only the final status.
func NewProgressPrinter(out io.Writer, quiet, verbose bool) *ProgressPrinter {
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = IsTerminal(f)
	}
	return &ProgressPrinter{out: out, isTTY: isTTY, quiet: quiet, verbose: verbose}
}

// Emit prints one event.
func (p *ProgressPrinter) Emit(_ context.Context, ev workflow.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case workflow.EventWorkflowStart:
		p.total = ev.TotalVisibleSteps
		if !p.quiet {
			fmt.Fprintf(p.out, "Running %d step(s) %s\n\n", p.total, Muted.Render("("+ev.ExecutionID+")"))
		}
	case workflow.EventStepStart:
		if p.quiet {
			return nil
		}
		line := fmt.Sprintf("  %s %s %s...", StatusInfo.Render(SymbolInfo), p.position(ev.Index), ev.StepName)
		if p.isTTY {
			fmt.Fprint(p.out, line)
			p.pending = true
		} else {
			fmt.Fprintln(p.out, line)
		}
	case workflow.EventStepComplete:
		if p.quiet {
			return nil
		}
		p.finishLine(StatusOK.Render(SymbolOK), ev)
		if p.verbose && ev.Output != "" {
			fmt.Fprintf(p.out, "    %s %s\n", Muted.Render("│"), providers.Truncate(oneLine(ev.Output), maxPreview))
		}
		for _, f := range ev.Files {
			fmt.Fprintf(p.out, "    %s %s %s\n", Muted.Render("│"), f.MediaType, f.URL)
		}
	case workflow.EventStepError:
		if p.quiet {
			return nil
		}
		p.finishLine(StatusError.Render(SymbolError), ev)
		fmt.Fprintf(p.out, "    %s %s\n", Muted.Render("│"), StatusError.Render(providers.Truncate(oneLine(ev.Output), maxPreview)))
	case workflow.EventWorkflowComplete:
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, RenderStatus(ev.Status))
	}
	return nil
}

// Checkpoint is a no-op; the printer only renders events.
func (p *ProgressPrinter) Checkpoint(context.Context, *workflow.ExecutionRecord) error { return nil }

func (p *ProgressPrinter) finishLine(symbol string, ev workflow.Event) {
	if p.isTTY && p.pending {
		fmt.Fprint(p.out, "\r\033[K")
	}
	p.pending = false
	d := Muted.Render("(" + formatDuration(time.Duration(ev.DurationMs)*time.Millisecond) + ")")
	fmt.Fprintf(p.out, "  %s %s %s  %s\n", symbol, p.position(ev.Index), ev.StepName, d)
}

func (p *ProgressPrinter) position(index *int) string {
	if index == nil || p.total == 0 {
		return ""
	}
	return Muted.Render(fmt.Sprintf("[%d/%d]", *index+1, p.total))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
