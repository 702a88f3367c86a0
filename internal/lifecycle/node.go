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
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

// DefaultShutdownTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultShutdownTimeout = 30 * time.Second

// NodeControllerConfig configures a NodeController.
type NodeControllerConfig struct {
	// ProcessName is the executable base name identifying node processes.
	ProcessName string

	// PIDFile records the pid of the current instance. Optional.
	PIDFile string

	// LogFile receives the node's stdout and stderr.
	LogFile string

	// ShutdownTimeout bounds the graceful phase of Stop.
	ShutdownTimeout time.Duration

	Spawner *Spawner
	Audit   *LifecycleLogger
	Logger  *slog.Logger
}

// NodeController owns at most one node process at a time.
type NodeController struct {
	name            string
	logFile         string
	shutdownTimeout time.Duration
	spawner         *Spawner
	pidFile         *PIDFile
	audit           *LifecycleLogger
	logger          *slog.Logger

	mu       sync.Mutex
	handle   *Handle
	reported *Handle
}

// NewNodeController creates a controller from cfg, filling in defaults.
func NewNodeController(cfg NodeControllerConfig) *NodeController {
	if cfg.Spawner == nil {
		cfg.Spawner = NewSpawner()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &NodeController{
		name:            cfg.ProcessName,
		logFile:         cfg.LogFile,
		shutdownTimeout: cfg.ShutdownTimeout,
		spawner:         cfg.Spawner,
		audit:           cfg.Audit,
		logger:          cfg.Logger.With(slog.String("component", "node-controller")),
	}
	if cfg.PIDFile != "" {
		c.pidFile = NewPIDFile(cfg.PIDFile)
	}
	return c
}

// Handle returns the most recently spawned process, or nil.
func (c *NodeController) Handle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Alive reports whether a node process is running, either the one this
// controller spawned or any other process with the node's name.
func (c *NodeController) Alive() (bool, error) {
	if h := c.Handle(); h != nil {
		if !h.Exited() && IsProcessRunning(h.PID) {
			return true, nil
		}
		c.reportExit(h)
	}

	pids, err := FindProcesses(c.name)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

// KillStale SIGKILLs every node process and clears the PID file. It returns
// the pids that were signalled.
func (c *NodeController) KillStale() ([]int, error) {
	pids, err := c.candidates()
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, pid := range pids {
		kerr := Kill(pid)
		_ = c.audit.LogStaleKill(pid, kerr)
		if kerr != nil {
			errs = append(errs, vsnerrors.Wrapf(kerr, "kill pid %d", pid))
			continue
		}
		c.logger.Info("killed stale node process", slog.Int("pid", pid))
	}
	c.removePIDFile()
	return pids, errors.Join(errs...)
}

// Spawn starts a new detached node process.
func (c *NodeController) Spawn(binary string, args []string) (int, error) {
	h, err := c.spawner.SpawnDetached(binary, args, c.logFile)
	if err != nil {
		_ = c.audit.LogSpawnFailure(err)
		return 0, err
	}

	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()

	if c.pidFile != nil {
		if err := c.pidFile.Write(h.PID); err != nil {
			c.logger.Warn("failed to record node pid", slog.Int("pid", h.PID), slog.Any("error", err))
		}
	}
	_ = c.audit.LogSpawn(h.PID, args)
	return h.PID, nil
}

// Stop terminates every node process: SIGTERM, then SIGKILL once the
// shutdown timeout elapses. Stopping when nothing runs is a no-op.
func (c *NodeController) Stop() error {
	start := time.Now()
	pids, err := c.candidates()
	if err != nil {
		return err
	}

	var errs []error
	for _, pid := range pids {
		serr := GracefulShutdown(pid, c.shutdownTimeout, true)
		if errors.Is(serr, ErrProcessNotRunning) {
			serr = nil
		}
		_ = c.audit.LogStop(pid, time.Since(start), serr)
		if serr != nil {
			errs = append(errs, vsnerrors.Wrapf(serr, "stop pid %d", pid))
		}
	}

	// Wait for the reaper so the exit status is collected before returning.
	if h := c.Handle(); h != nil {
		select {
		case <-h.Done():
			c.reportExit(h)
		case <-time.After(c.shutdownTimeout):
		}
	}

	c.removePIDFile()
	return errors.Join(errs...)
}

// reportExit logs the exit status of h once.
func (c *NodeController) reportExit(h *Handle) {
	if !h.Exited() {
		return
	}
	c.mu.Lock()
	if c.reported == h {
		c.mu.Unlock()
		return
	}
	c.reported = h
	c.mu.Unlock()

	attrs := []any{slog.Int("pid", h.PID), slog.Duration("uptime", time.Since(h.StartedAt))}
	if err := h.ExitError(); err != nil {
		c.logger.Warn("node process exited", append(attrs, slog.Any("error", err))...)
		return
	}
	c.logger.Info("node process exited", attrs...)
}

// candidates collects the spawned pid plus any process carrying the node
// name, without duplicates.
func (c *NodeController) candidates() ([]int, error) {
	seen := make(map[int]bool)
	var pids []int

	if h := c.Handle(); h != nil && !h.Exited() && IsProcessRunning(h.PID) {
		seen[h.PID] = true
		pids = append(pids, h.PID)
	}

	found, err := FindProcesses(c.name)
	if err != nil {
		return nil, err
	}
	for _, pid := range found {
		if !seen[pid] {
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (c *NodeController) removePIDFile() {
	if c.pidFile == nil {
		return
	}
	if err := c.pidFile.Remove(); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to remove pid file", slog.Any("error", err))
	}
}

// Lock takes the supervisor lock next to the PID file so that only one
// supervisor manages a home directory. Without a PID file it is a no-op.
func (c *NodeController) Lock() error {
	if c.pidFile == nil {
		return nil
	}
	return c.pidFile.Lock()
}

// Unlock releases the supervisor lock.
func (c *NodeController) Unlock() {
	if c.pidFile != nil {
		c.pidFile.Unlock()
	}
}
