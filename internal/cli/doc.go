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

/*
Package cli provides the root command for the modelchain binary.

It creates the Cobra command tree and handles global concerns like version
information, persistent flags and exit codes. Individual commands live in
the internal/commands subpackages.

# Command Tree

	modelchain
	├── run        Execute a workflow file locally
	├── validate   Validate workflow definitions
	├── serve      Run the execution API server
	├── version    Show version
	└── help       Show help, optionally as JSON

# Usage

From main.go:

	root := cli.NewRootCommand(cli.BuildInfo{Version: version},
		run.NewCommand(),
		serve.NewCommand(),
	)
	cli.Execute(root)

Commands return shared.ExitError values and HandleExitError maps them onto
process exit codes.
*/
package cli
