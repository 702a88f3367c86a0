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

// Package status implements "vsnsup status".
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/connectivity"

	"github.com/tombee/vsnsup/internal/commands/shared"
	"github.com/tombee/vsnsup/internal/config"
	"github.com/tombee/vsnsup/internal/lifecycle"
)

// Report describes the supervisor and node on this host.
type Report struct {
	Supervisor bool   `json:"supervisor_running"`
	PIDFile    string `json:"pid_file"`
	PID        int    `json:"pid,omitempty"`
	Processes  []int  `json:"processes"`
	Running    bool   `json:"node_running"`
	RPCAddress string `json:"rpc_address"`
	RPCReady   bool   `json:"rpc_ready"`
	RPCState   string `json:"rpc_state,omitempty"`
}

// NewCommand creates the status command
func NewCommand() *cobra.Command {
	var timeout, wait time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show storage node status",
		Long: `Report whether a supervisor holds the lock for this home, whether a node
process is running and whether its RPC port accepts connections.

With --wait, keep probing the RPC port until it is ready or the wait
elapses. Exits 1 when no node process is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, probe{timeout: timeout, wait: wait}, cmd.OutOrStdout(), shared.GetJSON())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "RPC readiness probe timeout")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the RPC port to become ready")
	return cmd
}

// probe bounds the RPC readiness check. A zero wait probes once.
type probe struct {
	timeout time.Duration
	wait    time.Duration
}

func run(ctx context.Context, cfg *config.Config, p probe, w io.Writer, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r, err := collect(ctx, cfg, p)
	if err != nil {
		return shared.NewFatalError("failed to collect status", err)
	}

	if asJSON {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else {
		render(w, r)
	}

	if !r.Running {
		return shared.NewFatalError("storage node is not running", nil)
	}
	return nil
}

func collect(ctx context.Context, cfg *config.Config, p probe) (*Report, error) {
	r := &Report{
		PIDFile:    cfg.PIDFile(),
		RPCAddress: net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.RPCPort)),
	}

	pf := lifecycle.NewPIDFile(cfg.PIDFile())

	// A running supervisor holds the lock. Without a lock file there has
	// never been one, and probing would create the run directory.
	if _, err := os.Stat(pf.Path() + ".lock"); err == nil {
		switch err := pf.Lock(); {
		case err == nil:
			pf.Unlock()
		case errors.Is(err, lifecycle.ErrPIDFileLocked):
			r.Supervisor = true
		default:
			return nil, err
		}
	}

	if pid, err := pf.Read(); err == nil {
		r.PID = pid
	}

	pids, err := lifecycle.FindProcesses(cfg.ProcessName)
	if err != nil {
		return nil, err
	}
	r.Processes = pids
	r.Running = len(pids) > 0 || (r.PID > 0 && lifecycle.MatchesName(r.PID, cfg.ProcessName))

	checker := lifecycle.NewHealthChecker(r.RPCAddress).WithAttemptTimeout(p.timeout)
	if p.wait > 0 {
		if err := checker.WaitUntilHealthy(ctx, p.wait); err == nil {
			r.RPCReady = true
			r.RPCState = connectivity.Ready.String()
			return r, nil
		}
	}
	res := checker.Check(ctx)
	r.RPCReady = res.Success
	r.RPCState = res.State.String()

	return r, nil
}

func render(w io.Writer, r *Report) {
	fmt.Fprintln(w, shared.Header.Render("vsnsup status"))

	if r.Supervisor {
		fmt.Fprintln(w, shared.RenderOK("supervisor running"))
	} else {
		fmt.Fprintln(w, shared.RenderWarn("no supervisor holds "+r.PIDFile+".lock"))
	}

	switch {
	case r.Running && r.PID > 0:
		fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("node running (pid %d)", r.PID)))
	case r.Running:
		fmt.Fprintln(w, shared.RenderWarn(fmt.Sprintf("node running without PID file (pids %v)", r.Processes)))
	default:
		fmt.Fprintln(w, shared.RenderError("node not running"))
	}

	if r.RPCReady {
		fmt.Fprintln(w, shared.RenderOK("rpc ready on "+r.RPCAddress))
	} else {
		fmt.Fprintln(w, shared.RenderError("rpc not ready on "+r.RPCAddress+" ("+r.RPCState+")"))
	}
}
