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
	"github.com/spf13/cobra"

	"github.com/tombee/modelchain/internal/commands/shared"
)

// BuildInfo is injected through ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// NewRootCommand builds the modelchain command with the persistent flags,
// the given subcommands and the grouped help command.
func NewRootCommand(info BuildInfo, cmds ...*cobra.Command) *cobra.Command {
	if info.Version != "" {
		shared.SetVersion(info.Version, info.Commit, info.BuildDate)
	}

	cmd := &cobra.Command{
		Use:   "modelchain",
		Short: "modelchain - chained AI model workflows",
		Long: `modelchain executes workflows that chain hosted AI models, marketplace
models and plain HTTP calls. Each step's output becomes the next step's input.

Run 'modelchain run <workflow.yaml>' to execute a workflow locally.
Run 'modelchain serve' to start the execution API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()
	flags := cmd.PersistentFlags()
	flags.BoolVarP(verbose, "verbose", "v", false, "Show step output previews")
	flags.BoolVarP(quiet, "quiet", "q", false, "Suppress progress output")
	flags.BoolVar(json, "json", false, "Output in JSON format")
	flags.StringVar(config, "config", "", "Path to config file (default: ~/.config/modelchain/config.yaml)")

	cmd.AddCommand(cmds...)
	cmd.SetHelpCommand(NewHelpCommand(cmd))
	return cmd
}

// Execute runs root and exits with the code carried by any returned error.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		shared.HandleExitError(err)
	}
}
