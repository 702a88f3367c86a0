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

package run

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tombee/vsnsup/internal/cluster"
	"github.com/tombee/vsnsup/internal/commands/shared"
	"github.com/tombee/vsnsup/internal/config"
	"github.com/tombee/vsnsup/internal/identity"
	"github.com/tombee/vsnsup/internal/lifecycle"
	"github.com/tombee/vsnsup/internal/limits"
	vsnlog "github.com/tombee/vsnsup/internal/log"
	"github.com/tombee/vsnsup/internal/metrics"
	"github.com/tombee/vsnsup/internal/signals"
	"github.com/tombee/vsnsup/internal/supervisor"
	"github.com/tombee/vsnsup/internal/tracing"
	"github.com/tombee/vsnsup/internal/vmc"
	"github.com/tombee/vsnsup/internal/volume"
)

// supervise loads configuration, wires the components and runs the
// supervisor until a termination signal or parent cancellation. runner
// replaces the vmc command runner when non-nil.
func supervise(parent context.Context, opts *options, runner vmc.Runner) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	opts.apply(cfg)

	logger := shared.NewLogger(cfg)
	slog.SetDefault(logger)

	if !opts.noRaiseLimits {
		res, err := limits.RaiseNoFile(cfg.NoFileLimit)
		if err != nil {
			logger.Warn("could not raise open file limit", vsnlog.Error(err))
		} else {
			logger.Debug("open file limit",
				slog.Uint64("before", uint64(res.Before.Cur)),
				slog.Uint64("after", uint64(res.After.Cur)))
		}
	}

	version, _, _ := shared.GetVersion()
	tp, err := tracing.Setup(parent, tracing.Config{
		Exporter:       cfg.Trace.Exporter,
		Endpoint:       cfg.Trace.Endpoint,
		Insecure:       cfg.Trace.Insecure,
		ServiceName:    "vsnsup",
		ServiceVersion: version,
	})
	if err != nil {
		return shared.NewFatalError("failed to set up tracing", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("failed to flush spans", vsnlog.Error(err))
		}
	}()

	client, err := vmc.New(vmc.Config{
		Binary:  cfg.VMCBinaryPath(),
		Address: cfg.VMSAddress,
		Query:   cfg.MetadataQuery,
		Timeout: cfg.CommandTimeout,
		Logger:  logger,
		Runner:  runner,
	})
	if err != nil {
		return shared.NewConfigError("invalid metadata query", err)
	}

	audit := lifecycle.NewLifecycleLogger(cfg.LifecycleLogFile())
	node := lifecycle.NewNodeController(lifecycle.NodeControllerConfig{
		ProcessName:     cfg.ProcessName,
		PIDFile:         cfg.PIDFile(),
		LogFile:         cfg.NodeLogFile(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Audit:           audit,
		Logger:          logger,
	})
	if err := node.Lock(); err != nil {
		if errors.Is(err, lifecycle.ErrPIDFileLocked) {
			return shared.NewFatalError("another supervisor is managing "+cfg.Home, err)
		}
		return shared.NewFatalError("failed to take supervisor lock", err)
	}
	defer node.Unlock()

	ctx, stop := signals.Trap(parent, logger)
	defer stop()

	reg := metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return shared.NewFatalError("failed to start metrics server", err)
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Error("metrics server failed", vsnlog.Error(err))
			}
		}()
	}

	sup, err := supervisor.New(supervisor.Options{
		ClusterID:        cfg.ClusterID,
		Home:             cfg.Home,
		NodeBinary:       cfg.NodeBinaryPath(),
		ListenAddress:    cfg.ListenAddress(),
		AdvertiseAddress: cfg.AdvertiseAddress(),
		RetryInterval:    cfg.RetryInterval,
		SettleInterval:   cfg.SettleInterval,
		Resolver: identity.NewResolver(client, cfg.AdvertiseAddress(),
			identity.NewRandomAllocator(cfg.IDBound, nil), logger),
		Volume:    volume.NewManager(logger),
		Registrar: cluster.NewRegistrar(client, logger),
		Process:   node,
		Logger:    logger,
		Audit:     audit,
		Metrics:   supervisor.NewMetrics(reg),
		Tracer:    tp.Tracer("github.com/tombee/vsnsup/internal/supervisor"),
	})
	if err != nil {
		return shared.NewFatalError("failed to create supervisor", err)
	}

	if err := sup.Run(ctx); err != nil {
		return shared.NewFatalError("supervisor setup failed", err)
	}
	if sig, ok := signals.Received(ctx); ok {
		logger.Info("supervisor exited after signal", slog.String("signal", sig.String()))
	}
	return nil
}

func (o *options) apply(cfg *config.Config) {
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.traceExporter != "" {
		cfg.Trace.Exporter = o.traceExporter
	}
	if o.retryInterval > 0 {
		cfg.RetryInterval = o.retryInterval
	}
	if o.settleInterval > 0 {
		cfg.SettleInterval = o.settleInterval
	}
	if o.shutdownTimeout > 0 {
		cfg.ShutdownTimeout = o.shutdownTimeout
	}
}
