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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantLevel  string
		wantSource bool
		wantFormat Format
	}{
		{
			name:       "debug flag wins",
			env:        map[string]string{"VSN_DEBUG": "1", "LOG_LEVEL": "error"},
			wantLevel:  "debug",
			wantSource: true,
		},
		{
			name:      "VSN_LOG_LEVEL over LOG_LEVEL",
			env:       map[string]string{"VSN_LOG_LEVEL": "WARN", "LOG_LEVEL": "error"},
			wantLevel: "warn",
		},
		{
			name:      "LOG_LEVEL fallback",
			env:       map[string]string{"LOG_LEVEL": "Error"},
			wantLevel: "error",
		},
		{
			name:       "format override",
			env:        map[string]string{"LOG_FORMAT": "TEXT"},
			wantLevel:  "info",
			wantFormat: FormatText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"VSN_DEBUG", "VSN_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			assert.Equal(t, tt.wantLevel, cfg.Level)
			assert.Equal(t, tt.wantSource, cfg.AddSource)
			if tt.wantFormat != "" {
				assert.Equal(t, tt.wantFormat, cfg.Format)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("trace"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithNodeContext(WithRunContext(logger, "run-1", "7"), 42, "10.0.0.1:9091").
		Info("node spawned", slog.Int(PIDKey, 1234))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "node spawned", entry["msg"])
	assert.Equal(t, "run-1", entry[RunIDKey])
	assert.Equal(t, "7", entry[ClusterIDKey])
	assert.EqualValues(t, 42, entry[NodeIDKey])
	assert.Equal(t, "10.0.0.1:9091", entry[AdvertiseKey])
	assert.EqualValues(t, 1234, entry[PIDKey])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Info("hidden")
	Trace(logger, "hidden too")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestCommandMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})
	mw := NewCommandMiddleware(logger)
	call := &CommandCall{Name: "add_sn", Binary: "/opt/bin/vmc", Args: []string{"add", "sn"}}

	t.Run("success", func(t *testing.T) {
		buf.Reset()
		err := mw.Handler(call, func() (int, error) { return 0, nil })
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "command started")
		assert.Contains(t, buf.String(), "command completed")
		assert.Contains(t, buf.String(), "/opt/bin/vmc add sn")
	})

	t.Run("failure is returned and logged", func(t *testing.T) {
		buf.Reset()
		boom := errors.New("boom")
		err := mw.Handler(call, func() (int, error) { return 2, boom })
		assert.ErrorIs(t, err, boom)
		assert.True(t, strings.Contains(buf.String(), "command failed"))
		assert.Contains(t, buf.String(), "exit_code=2")
	})
}
