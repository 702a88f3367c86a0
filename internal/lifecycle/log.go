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

package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lifecycle event names.
const (
	EventSupervisorStart = "supervisor_start"
	EventSpawn           = "spawn"
	EventSpawnFailure    = "spawn_failure"
	EventStaleKill       = "stale_kill"
	EventRegister        = "register"
	EventRegisterFailure = "register_failure"
	EventStop            = "stop"
)

// LifecycleEvent is one line of the lifecycle audit log.
type LifecycleEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	RunID     string    `json:"run_id,omitempty"`
	NodeID    int32     `json:"node_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Address   string    `json:"address,omitempty"`
	Args      []string  `json:"args,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// LifecycleLogger appends lifecycle events to a file as JSON lines.
// A nil *LifecycleLogger discards everything.
type LifecycleLogger struct {
	logPath string
	runID   string
	mu      sync.Mutex
}

// NewLifecycleLogger creates a new lifecycle logger.
func NewLifecycleLogger(logPath string) *LifecycleLogger {
	return &LifecycleLogger{
		logPath: logPath,
	}
}

// WithRunID stamps subsequent events with the supervisor run id.
func (l *LifecycleLogger) WithRunID(runID string) *LifecycleLogger {
	if l == nil {
		return nil
	}
	return &LifecycleLogger{logPath: l.logPath, runID: runID}
}

// LogSupervisorStart records the resolved identity at startup.
func (l *LifecycleLogger) LogSupervisorStart(nodeID int32, known bool, advertise string) error {
	msg := "new storage node"
	if known {
		msg = "known storage node"
	}
	return l.writeEvent(LifecycleEvent{
		Event:   EventSupervisorStart,
		NodeID:  nodeID,
		Address: advertise,
		Success: true,
		Message: msg,
	})
}

// LogSpawn records a successful node spawn.
func (l *LifecycleLogger) LogSpawn(pid int, args []string) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventSpawn,
		PID:     pid,
		Args:    args,
		Success: true,
	})
}

// LogSpawnFailure records a failed spawn attempt.
func (l *LifecycleLogger) LogSpawnFailure(err error) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventSpawnFailure,
		Success: false,
		Error:   errString(err),
	})
}

// LogStaleKill records the termination of a leftover node process.
func (l *LifecycleLogger) LogStaleKill(pid int, err error) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventStaleKill,
		PID:     pid,
		Success: err == nil,
		Error:   errString(err),
	})
}

// LogRegister records a successful cluster registration.
func (l *LifecycleLogger) LogRegister(nodeID int32, advertise string) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventRegister,
		NodeID:  nodeID,
		Address: advertise,
		Success: true,
	})
}

// LogRegisterFailure records a failed registration attempt.
func (l *LifecycleLogger) LogRegisterFailure(nodeID int32, advertise string, err error) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventRegisterFailure,
		NodeID:  nodeID,
		Address: advertise,
		Success: false,
		Error:   errString(err),
	})
}

// LogStop records the outcome of stopping the node.
func (l *LifecycleLogger) LogStop(pid int, duration time.Duration, err error) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventStop,
		PID:     pid,
		Success: err == nil,
		Message: fmt.Sprintf("stopped in %v", duration),
		Error:   errString(err),
	})
}

// writeEvent appends a lifecycle event to the log file.
func (l *LifecycleLogger) writeEvent(event LifecycleEvent) error {
	if l == nil || l.logPath == "" {
		return nil
	}
	event.Timestamp = time.Now()
	event.RunID = l.runID

	l.mu.Lock()
	defer l.mu.Unlock()

	logDir := filepath.Dir(l.logPath)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
