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

package validate

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/modelchain/internal/catalog"
	"github.com/tombee/modelchain/internal/commands/shared"
	"github.com/tombee/modelchain/pkg/workflow"
)

// Result is the --json report for one workflow file.
type Result struct {
	Path          string `json:"path"`
	Valid         bool   `json:"valid"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	Steps         int    `json:"steps,omitempty"`
	EstimatedCost int64  `json:"estimated_cost,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "validate <workflow>...",
		Short: "Validate workflow definitions",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate parses each workflow file, checks its structure and resolves
every model step against the model catalog. It does not contact any provider.`,
		Example: `  # Validate one workflow
  modelchain validate workflows/summarize.yaml

  # Validate several workflows against a custom catalog
  modelchain validate --catalog models.yaml workflows/*.yaml --json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args, catalogPath)
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Model catalog file merged over the built-in catalog")

	return cmd
}

func runValidate(cmd *cobra.Command, paths []string, catalogPath string) error {
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return shared.NewConfigError("failed to load catalog", err)
	}

	results := make([]Result, 0, len(paths))
	invalid := 0
	for _, p := range paths {
		r := check(cat, p)
		if !r.Valid {
			invalid++
		}
		results = append(results, r)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%s: %s (%d steps, estimated cost %d)", r.Path, r.WorkflowID, r.Steps, r.EstimatedCost)))
			} else {
				fmt.Fprintln(out, shared.RenderError(fmt.Sprintf("%s: %s", r.Path, r.Error)))
			}
		}
	}

	if invalid > 0 {
		return &shared.ExitError{
			Code:    shared.ExitInvalidWorkflow,
			Message: fmt.Sprintf("%d of %d workflow(s) invalid", invalid, len(paths)),
		}
	}
	return nil
}

func check(cat *catalog.Catalog, path string) Result {
	wf, err := workflow.LoadDefinition(path)
	if err != nil {
		return Result{Path: path, Error: err.Error()}
	}
	if err := cat.CheckWorkflow(wf); err != nil {
		return Result{Path: path, WorkflowID: wf.ID, Error: err.Error()}
	}
	return Result{
		Path:          path,
		Valid:         true,
		WorkflowID:    wf.ID,
		Steps:         len(wf.Steps),
		EstimatedCost: cat.EstimateCost(wf.Steps),
	}
}
