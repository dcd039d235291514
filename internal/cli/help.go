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
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/modelchain/internal/commands/shared"
)

// groupTitles orders and names the command groups in text help.
var groupTitles = []struct {
	key   string
	title string
}{
	{"execution", "Execution"},
	{"service", "Service"},
	{"", "Other"},
}

// CommandMetadata represents metadata about a command for JSON output
type CommandMetadata struct {
	Name     string         `json:"name"`
	Short    string         `json:"short"`
	Long     string         `json:"long,omitempty"`
	Usage    string         `json:"usage"`
	Flags    []FlagMetadata `json:"flags,omitempty"`
	Examples string         `json:"examples,omitempty"`
	Group    string         `json:"group,omitempty"`
}

// FlagMetadata represents metadata about a flag
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

// HelpResponse is the JSON response for the help command
type HelpResponse struct {
	Version     string            `json:"version"`
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Command     *CommandMetadata  `json:"command,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
}

// NewHelpCommand creates the help command
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.
Use --json for machine-readable output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				if shared.GetJSON() {
					return writeHelpJSON(out, rootCmd, nil)
				}
				writeGroupedHelp(out, rootCmd)
				return nil
			}

			target, _, err := rootCmd.Find(args)
			if err != nil || target == rootCmd {
				return fmt.Errorf("command %q not found", args[0])
			}
			if shared.GetJSON() {
				return writeHelpJSON(out, rootCmd, target)
			}
			return target.Help()
		},
	}
}

func writeGroupedHelp(out io.Writer, rootCmd *cobra.Command) {
	fmt.Fprintf(out, "%s\n\nUsage:\n  %s <command> [flags]\n", rootCmd.Long, rootCmd.Name())

	groups := make(map[string][]*cobra.Command)
	for _, c := range rootCmd.Commands() {
		if c.Hidden || !c.IsAvailableCommand() {
			continue
		}
		groups[commandGroup(c)] = append(groups[commandGroup(c)], c)
	}

	for _, g := range groupTitles {
		cmds := groups[g.key]
		if len(cmds) == 0 {
			continue
		}
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name() < cmds[j].Name() })
		fmt.Fprintf(out, "\n%s:\n", shared.Bold.Render(g.title))
		for _, c := range cmds {
			fmt.Fprintf(out, "  %-10s %s\n", c.Name(), c.Short)
		}
	}

	fmt.Fprintf(out, "\nGlobal Flags:\n%s", rootCmd.PersistentFlags().FlagUsages())
	fmt.Fprintf(out, "\nUse \"%s help <command>\" for more information about a command.\n", rootCmd.Name())
}

// commandGroup returns the group annotation, or "" for ungrouped commands
// and for groups with no title.
func commandGroup(c *cobra.Command) string {
	g := c.Annotations["group"]
	for _, t := range groupTitles {
		if t.key == g {
			return g
		}
	}
	return ""
}

func writeHelpJSON(out io.Writer, rootCmd, target *cobra.Command) error {
	v, _, _ := shared.GetVersion()
	resp := HelpResponse{
		Version:     v,
		GlobalFlags: flagMetadata(rootCmd.PersistentFlags()),
	}
	if target != nil {
		m := commandMetadata(target)
		resp.Command = &m
	} else {
		for _, c := range rootCmd.Commands() {
			if c.Hidden {
				continue
			}
			resp.Commands = append(resp.Commands, commandMetadata(c))
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func commandMetadata(c *cobra.Command) CommandMetadata {
	return CommandMetadata{
		Name:     c.Name(),
		Short:    c.Short,
		Long:     c.Long,
		Usage:    c.UseLine(),
		Flags:    flagMetadata(c.LocalNonPersistentFlags()),
		Examples: c.Example,
		Group:    c.Annotations["group"],
	}
}

func flagMetadata(fs *pflag.FlagSet) []FlagMetadata {
	var flags []FlagMetadata
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		flags = append(flags, FlagMetadata{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Usage:     f.Usage,
			Default:   f.DefValue,
		})
	})
	return flags
}
