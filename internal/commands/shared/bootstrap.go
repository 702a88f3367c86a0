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

	"github.com/tombee/vsnsup/internal/config"
	vsnlog "github.com/tombee/vsnsup/internal/log"
)

// LoadConfig loads configuration from --config and the environment.
// Failures carry ExitConfigError.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("invalid configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger. The config (file, then LOG_LEVEL and
// LOG_FORMAT) sets level and format unless VSN_DEBUG or VSN_LOG_LEVEL is
// set; --verbose and --quiet win over everything.
func NewLogger(cfg *config.Config) *slog.Logger {
	logCfg := vsnlog.FromEnv()
	if cfg != nil {
		if os.Getenv("VSN_DEBUG") == "" && os.Getenv("VSN_LOG_LEVEL") == "" && cfg.Log.Level != "" {
			logCfg.Level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			logCfg.Format = vsnlog.Format(cfg.Log.Format)
		}
	}
	switch {
	case GetVerbose():
		logCfg.Level = "debug"
	case GetQuiet():
		logCfg.Level = "warn"
	}
	return vsnlog.New(logCfg)
}
