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
	"context"
	"log/slog"
	"strings"
	"time"
)

// CommandCall describes an external command invocation for logging purposes.
// The membership service is reached through command-line tools, so these
// calls are the supervisor's RPC boundary.
type CommandCall struct {
	// Name is a short operation name (e.g., "meta_sn", "add_sn").
	Name string

	// Binary is the executable path.
	Binary string

	// Args are the command arguments.
	Args []string
}

// CommandResult describes the outcome of a CommandCall.
type CommandResult struct {
	// Success indicates whether the command exited zero.
	Success bool

	// ExitCode is the process exit code, -1 if it never ran.
	ExitCode int

	// Error is the error message if the call failed.
	Error string

	// DurationMs is the duration of the call in milliseconds.
	DurationMs int64
}

// LogCommandStart logs an outgoing command call at debug level.
func LogCommandStart(logger *slog.Logger, call *CommandCall) {
	logger.Debug("command started",
		EventKey, "command_start",
		"operation", call.Name,
		"command", strings.Join(append([]string{call.Binary}, call.Args...), " "),
	)
}

// LogCommandResult logs a completed command call.
func LogCommandResult(logger *slog.Logger, call *CommandCall, res *CommandResult) {
	attrs := []any{
		EventKey, "command_result",
		"operation", call.Name,
		"success", res.Success,
		"exit_code", res.ExitCode,
		DurationKey, res.DurationMs,
	}
	if res.Error != "" {
		attrs = append(attrs, "error", res.Error)
	}

	level := slog.LevelDebug
	message := "command completed"
	if !res.Success {
		level = slog.LevelWarn
		message = "command failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// CommandMiddleware wraps command execution with logging.
type CommandMiddleware struct {
	logger *slog.Logger
}

// NewCommandMiddleware creates a new command logging middleware.
func NewCommandMiddleware(logger *slog.Logger) *CommandMiddleware {
	return &CommandMiddleware{logger: logger}
}

// Handler runs fn, which returns the command's exit code, and logs the call
// before and after.
func (m *CommandMiddleware) Handler(call *CommandCall, fn func() (int, error)) error {
	start := time.Now()
	LogCommandStart(m.logger, call)

	code, err := fn()

	res := &CommandResult{
		Success:    err == nil,
		ExitCode:   code,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	LogCommandResult(m.logger, call, res)

	return err
}
