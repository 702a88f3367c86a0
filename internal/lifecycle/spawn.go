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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Spawner starts node processes detached from the supervisor's session.
type Spawner struct {
	// Env is the environment passed to the child process.
	Env []string
}

// NewSpawner creates a new process spawner inheriting the current environment.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
	}
}

// Handle refers to a spawned process. The exit status is collected in the
// background; callers poll Exited rather than blocking.
type Handle struct {
	PID       int
	Binary    string
	Args      []string
	LogPath   string
	StartedAt time.Time

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// Exited reports whether the process has terminated and been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitError returns the wait error once the process has exited.
func (h *Handle) ExitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// SpawnDetached spawns a process that:
//   - runs in its own session, so it outlives the supervisor
//   - has stdin closed and stdout/stderr appended to logPath
//
// The child is reaped by a background goroutine so a dead node does not
// remain visible as a zombie.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (*Handle, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	// setsid also makes the child a process group leader. Asking for
	// Setpgid as well fails with EPERM, since a session leader cannot
	// change its process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &Handle{
		PID:       cmd.Process.Pid,
		Binary:    binary,
		Args:      append([]string(nil), args...),
		LogPath:   logPath,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}
