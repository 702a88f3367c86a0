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

// Package volume prepares the storage node's data directory.
package volume

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

// DataDirName is the directory under the node home that holds node data.
const DataDirName = "data"

// Manager owns the node volume. Prepare is the only mutating operation.
type Manager struct {
	logger *slog.Logger

	// removeAll and mkdirAll are replaceable in tests.
	removeAll func(string) error
	mkdirAll  func(string, os.FileMode) error
}

// NewManager creates a volume manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger.With(slog.String("component", "volume")),
		removeAll: os.RemoveAll,
		mkdirAll:  os.MkdirAll,
	}
}

// Path returns the volume path for a home directory without touching disk.
func Path(home string) string {
	return filepath.Join(home, DataDirName)
}

// Prepare returns home/data, creating it if needed. When truncate is true
// any existing tree is removed first; a missing tree is not an error.
// Callers must only truncate for nodes that are new to the cluster.
func (m *Manager) Prepare(home string, truncate bool) (string, error) {
	path := Path(home)

	if truncate {
		m.logger.Info("truncating volume", slog.String("path", path))
		if err := m.removeAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", &vsnerrors.VolumeIOError{Path: path, Op: "remove", Cause: err}
		}
	}

	if err := m.mkdirAll(path, 0o755); err != nil {
		return "", &vsnerrors.VolumeIOError{Path: path, Op: "mkdir", Cause: err}
	}

	m.logger.Debug("volume ready", slog.String("path", path), slog.Bool("truncated", truncate))
	return path, nil
}
