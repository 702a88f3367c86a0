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

// Package run implements "vsnsup run", the storage node supervisor.
package run

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// options are the run command flags. Each overrides the matching config
// value when set.
type options struct {
	metricsAddr     string
	traceExporter   string
	retryInterval   time.Duration
	settleInterval  time.Duration
	noRaiseLimits   bool
	shutdownTimeout time.Duration
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the storage node until signalled",
		Long: `Run resolves the storage node identity, prepares its data volume and keeps
one node process running until SIGINT or SIGTERM.

Startup:
  1. Query cluster metadata (vmc meta sn) for this host's advertise address.
     A match reuses the registered node id; otherwise a new id is allocated.
  2. Prepare <home>/data. The directory is wiped only for a new node.

Monitoring, every retry interval:
  - node alive: nothing to do
  - node down:  kill leftovers, start the node, wait the settle interval and,
                for a new node not yet registered, add it to the cluster

On SIGINT/SIGTERM the node is stopped (SIGTERM, then SIGKILL after the
shutdown timeout) and vsnsup exits 0. Setup failures exit 1, configuration
errors exit 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervise(cmd.Context(), opts, nil)
		},
	}

	addFlags(cmd.Flags(), opts)
	return cmd
}

func addFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (env: VSN_METRICS_ADDR)")
	fs.StringVar(&opts.traceExporter, "trace-exporter", "", "Span exporter: none, stdout, otlp-grpc, otlp-http (env: VSN_TRACE_EXPORTER)")
	fs.DurationVar(&opts.retryInterval, "retry-interval", 0, "Pause between liveness checks (env: VSN_RETRY_INTERVAL)")
	fs.DurationVar(&opts.settleInterval, "settle-interval", 0, "Pause between spawn and registration (env: VSN_SETTLE_INTERVAL)")
	fs.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 0, "Grace period before SIGKILL on stop (env: VSN_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&opts.noRaiseLimits, "no-raise-limits", false, "Leave RLIMIT_NOFILE unchanged")
}
