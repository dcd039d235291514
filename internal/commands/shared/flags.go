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

// globals holds the persistent flags bound by the root command and the
// build information set from main.
type globals struct {
	verbose bool
	quiet   bool
	json    bool
	config  string

	version   string
	commit    string
	buildDate string
}

var g = globals{version: "dev", commit: "unknown", buildDate: "unknown"}

// RegisterFlagPointers returns the verbose, quiet, json and config flag
// targets in that order.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &g.verbose, &g.quiet, &g.json, &g.config
}

func SetVersion(v, c, b string) {
	g.version, g.commit, g.buildDate = v, c, b
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return g.version, g.commit, g.buildDate
}

func GetVerbose() bool { return g.verbose && !g.quiet }
func GetQuiet() bool   { return g.quiet }
func GetJSON() bool    { return g.json }

// GetConfigPath returns the --config value, which may be empty.
func GetConfigPath() string { return g.config }

// SetConfigPathForTest points config loading at path.
func SetConfigPathForTest(path string) { g.config = path }
