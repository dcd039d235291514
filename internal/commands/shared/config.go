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
	"log/slog"
	"os"

	"github.com/tombee/modelchain/internal/config"
	"github.com/tombee/modelchain/internal/log"
)

// LoadConfig loads the configuration from --config, or from the default
// config file when it exists. --verbose raises the log level to debug.
func LoadConfig() (*config.Config, error) {
	path := g.config
	if path == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// NewLogger builds the process logger for cfg.
func NewLogger(cfg *config.Config) *slog.Logger {
	return log.New(cfg.Logger())
}
