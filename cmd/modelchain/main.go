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

package main

import (
	"github.com/tombee/modelchain/internal/app"
	"github.com/tombee/modelchain/internal/cli"
	"github.com/tombee/modelchain/internal/commands/run"
	"github.com/tombee/modelchain/internal/commands/serve"
	"github.com/tombee/modelchain/internal/commands/validate"
	versioncmd "github.com/tombee/modelchain/internal/commands/version"
)

// Set with -ldflags "-X main.version=..." at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	app.Version = version

	cli.Execute(cli.NewRootCommand(
		cli.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate},
		run.NewCommand(),
		validate.NewCommand(),
		serve.NewCommand(),
		versioncmd.NewVersionCommand(),
	))
}
