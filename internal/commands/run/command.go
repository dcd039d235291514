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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/modelchain/internal/app"
	"github.com/tombee/modelchain/internal/commands/shared"
	"github.com/tombee/modelchain/internal/config"
	"github.com/tombee/modelchain/pkg/workflow"
)

// localUser owns records of local runs.
const localUser = "local"

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		flags      inputFlags
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow file locally",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run executes a workflow definition in this process using the configured
providers. Local runs are not billed and leave no stored record.

Inputs:
  --input, -i <text>         Text handed to the first step
  --input-file <path>        JSON execution input (use '-' for stdin)
  --file [type=]<url>        File input; the type is inferred from the extension
  --param key=value          Substitution value, may be repeated`,
		Example: `  # Summarize a sentence
  modelchain run workflows/summarize.yaml -i "The quick brown fox..."

  # Describe an image and write the result to a file
  modelchain run workflows/describe.yaml --file https://example.com/cat.png -o out.txt`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], flags, outputFile)
		},
	}

	cmd.Flags().StringVarP(&flags.text, "input", "i", "", "Input text")
	cmd.Flags().StringVar(&flags.inputFile, "input-file", "", "JSON file with the execution input (use '-' for stdin)")
	cmd.Flags().StringArrayVar(&flags.files, "file", nil, "File input as [type=]url")
	cmd.Flags().StringArrayVar(&flags.params, "param", nil, "Substitution parameter in key=value format")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the final output to a file")

	return cmd
}

func runWorkflow(cmd *cobra.Command, path string, flags inputFlags, outputFile string) error {
	wf, err := workflow.LoadDefinition(path)
	if err != nil {
		return shared.NewInvalidWorkflowError("invalid workflow", err)
	}

	in, err := buildInput(flags, cmd.InOrStdin())
	if err != nil {
		return shared.NewMissingInputError("invalid input", err)
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	cfg.Storage.Backend = config.StorageMemory

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, shared.NewLogger(cfg))
	if err != nil {
		return shared.NewConfigError("failed to initialize", err)
	}
	defer a.Close()

	if err := a.Catalog.CheckWorkflow(wf); err != nil {
		return shared.NewInvalidWorkflowError("invalid workflow", err)
	}

	rec := execute(ctx, a, wf, in, progressEmitter(cmd))

	if outputFile != "" {
		if err := os.WriteFile(outputFile, []byte(rec.FinalOutput), 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	switch {
	case shared.GetJSON():
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		fmt.Fprintln(out, string(data))
	case outputFile == "" && rec.Status == workflow.StatusCompleted:
		fmt.Fprintf(out, "\n%s\n", rec.FinalOutput)
		for _, f := range rec.FinalFiles {
			fmt.Fprintf(out, "%s %s\n", f.MediaType, f.URL)
		}
	}

	switch rec.Status {
	case workflow.StatusCompleted:
		return nil
	case workflow.StatusCancelled:
		return shared.NewExecutionError("workflow cancelled", ctx.Err())
	default:
		return shared.NewExecutionError("workflow failed", fmt.Errorf("%s", rec.Error))
	}
}

// execute runs wf on the controller directly, bypassing admission and
// billing.
func execute(ctx context.Context, a *app.App, wf *workflow.Workflow, in workflow.ExecutionInput, em workflow.Emitter) *workflow.ExecutionRecord {
	rec := workflow.NewExecutionRecord(uuid.NewString(), wf.ID)
	rec.UserID = localUser

	em.Emit(ctx, workflow.StartEvent(rec.ID, wf))
	a.Controller.Run(ctx, wf, in, rec, em)
	em.Emit(context.WithoutCancel(ctx), workflow.CompleteEvent(rec))
	return rec
}

func progressEmitter(cmd *cobra.Command) workflow.Emitter {
	if shared.GetJSON() {
		return workflow.NopEmitter{}
	}
	return shared.NewProgressPrinter(cmd.OutOrStdout(), shared.GetQuiet(), shared.GetVerbose())
}
