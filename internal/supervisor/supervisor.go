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

// Package supervisor runs the storage node control loop.
//
// A run resolves the node identity once, prepares the data volume once
// (wiping it only for a node the cluster does not know yet) and then
// monitors the node process until the context is cancelled: a dead node is
// cleaned up, respawned and, while still new, registered with the cluster.
// Cancellation is observed only between iterations, so a spawn or
// registration that has begun always runs to completion.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/vsnsup/internal/identity"
	"github.com/tombee/vsnsup/internal/lifecycle"
	vsnlog "github.com/tombee/vsnsup/internal/log"
	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

const (
	// DefaultRetryInterval separates loop iterations.
	DefaultRetryInterval = 3 * time.Second

	// DefaultSettleInterval is the pause between spawn and registration.
	DefaultSettleInterval = 1 * time.Second

	// healthyLogInterval rate limits the "node running" info line.
	healthyLogInterval = time.Minute
)

// IdentityResolver determines the node identity.
type IdentityResolver interface {
	Resolve(ctx context.Context) (identity.NodeIdentity, error)
}

// VolumePreparer prepares the data volume under home.
type VolumePreparer interface {
	Prepare(home string, truncate bool) (string, error)
}

// Registrar adds the node to the cluster membership.
type Registrar interface {
	Register(ctx context.Context, advertise string) error
}

// ProcessController checks and controls the node OS process.
type ProcessController interface {
	Alive() (bool, error)
	KillStale() ([]int, error)
	Spawn(binary string, args []string) (int, error)
	Stop() error
}

// Options configures a Supervisor.
type Options struct {
	ClusterID        int
	Home             string
	NodeBinary       string
	ListenAddress    string
	AdvertiseAddress string

	RetryInterval  time.Duration
	SettleInterval time.Duration

	Resolver  IdentityResolver
	Volume    VolumePreparer
	Registrar Registrar
	Process   ProcessController

	// OnRecovered receives every error the loop swallows: spawn, stale
	// kill, liveness and registration failures. It runs on the loop
	// goroutine.
	OnRecovered func(error)

	// RunID labels logs, audit events and spans. Generated when empty.
	RunID string

	Logger  *slog.Logger
	Audit   *lifecycle.LifecycleLogger
	Metrics *Metrics
	Tracer  trace.Tracer

	// Sleep blocks for d or until ctx is done. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Supervisor owns one run of the control loop.
type Supervisor struct {
	opts    Options
	runID   string
	logger  *slog.Logger
	audit   *lifecycle.LifecycleLogger
	metrics *Metrics
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
	healthy rate.Sometimes

	state      atomic.Int32
	registered bool
}

// New validates opts and creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	switch {
	case opts.Resolver == nil:
		return nil, errors.New("supervisor: resolver is required")
	case opts.Volume == nil:
		return nil, errors.New("supervisor: volume preparer is required")
	case opts.Registrar == nil:
		return nil, errors.New("supervisor: registrar is required")
	case opts.Process == nil:
		return nil, errors.New("supervisor: process controller is required")
	case opts.NodeBinary == "":
		return nil, errors.New("supervisor: node binary is required")
	case opts.AdvertiseAddress == "":
		return nil, errors.New("supervisor: advertise address is required")
	}

	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.SettleInterval < 0 {
		opts.SettleInterval = 0
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/tombee/vsnsup/internal/supervisor")
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	logger := vsnlog.WithRunContext(opts.Logger, opts.RunID, strconv.Itoa(opts.ClusterID))
	return &Supervisor{
		opts:    opts,
		runID:   opts.RunID,
		logger:  vsnlog.WithComponent(logger, "supervisor"),
		audit:   opts.Audit.WithRunID(opts.RunID),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		sleep:   opts.Sleep,
		healthy: rate.Sometimes{Interval: healthyLogInterval},
	}, nil
}

// RunID returns the identifier of this run.
func (s *Supervisor) RunID() string {
	return s.runID
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.metrics.setState(st)
	if prev != st {
		s.logger.Debug("state transition",
			slog.String("from", prev.String()),
			slog.String(vsnlog.StateKey, st.String()))
	}
}

// Run executes the supervisor until ctx is cancelled. Setup failures
// (identity resolution, volume preparation) are returned; an orderly stop
// after cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)
	s.logger.Info("supervisor starting",
		slog.String(vsnlog.AdvertiseKey, s.opts.AdvertiseAddress),
		slog.String("home", s.opts.Home))

	// Setup steps are never interrupted part way.
	setupCtx := context.WithoutCancel(ctx)

	s.setState(StateResolving)
	ident, err := s.resolve(setupCtx)
	if err != nil {
		s.logger.Error("could not resolve storage node identity", vsnlog.Error(err),
			slog.Bool("retryable", vsnerrors.IsRetryable(err)))
		s.setState(StateTerminated)
		return err
	}
	s.metrics.setKnown(ident.Known)
	s.logger = vsnlog.WithNodeContext(s.logger, ident.ID, s.opts.AdvertiseAddress)
	_ = s.audit.LogSupervisorStart(ident.ID, ident.Known, s.opts.AdvertiseAddress)

	s.setState(StatePreparingVolume)
	volume, err := s.prepareVolume(setupCtx, ident)
	if err != nil {
		s.logger.Error("could not prepare volume", vsnlog.Error(err),
			slog.Bool("retryable", vsnerrors.IsRetryable(err)))
		s.setState(StateTerminated)
		return err
	}

	spec := LaunchSpec{
		Binary:           s.opts.NodeBinary,
		ClusterID:        s.opts.ClusterID,
		NodeID:           ident.ID,
		ListenAddress:    s.opts.ListenAddress,
		Volume:           volume,
		AdvertiseAddress: s.opts.AdvertiseAddress,
	}

	s.setState(StateMonitoring)
	s.monitor(ctx, ident, spec)

	s.setState(StateStopping)
	s.stop(setupCtx)

	s.setState(StateTerminated)
	s.logger.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) resolve(ctx context.Context) (identity.NodeIdentity, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.resolve",
		trace.WithAttributes(attribute.String("vsn.advertise_address", s.opts.AdvertiseAddress)))
	defer span.End()

	ident, err := s.opts.Resolver.Resolve(ctx)
	if err != nil {
		failSpan(span, err)
		return identity.NodeIdentity{}, err
	}
	span.SetAttributes(
		attribute.Int("vsn.node_id", int(ident.ID)),
		attribute.Bool("vsn.known", ident.Known),
	)
	if ident.Known {
		s.logger.Info("found storage node in cluster metadata", slog.Int(vsnlog.NodeIDKey, int(ident.ID)))
	} else {
		s.logger.Info("storage node not in cluster metadata, allocated new id", slog.Int(vsnlog.NodeIDKey, int(ident.ID)))
	}
	return ident, nil
}

func (s *Supervisor) prepareVolume(ctx context.Context, ident identity.NodeIdentity) (string, error) {
	truncate := !ident.Known
	_, span := s.tracer.Start(ctx, "supervisor.prepare_volume",
		trace.WithAttributes(attribute.Bool("vsn.truncate", truncate)))
	defer span.End()

	path, err := s.opts.Volume.Prepare(s.opts.Home, truncate)
	if err != nil {
		failSpan(span, err)
		return "", err
	}
	s.logger.Info("volume ready", slog.String("path", path), slog.Bool("truncated", truncate))
	return path, nil
}

// monitor is the Monitoring loop. It returns once ctx is cancelled.
func (s *Supervisor) monitor(ctx context.Context, ident identity.NodeIdentity, spec LaunchSpec) {
	for ctx.Err() == nil {
		s.iterate(context.WithoutCancel(ctx), ident, spec)

		if ctx.Err() != nil {
			return
		}
		if err := s.sleep(ctx, s.opts.RetryInterval); err != nil {
			return
		}
	}
}

// iterate runs one liveness check and, if the node is down, the respawn
// sequence. ctx is never cancelled.
func (s *Supervisor) iterate(ctx context.Context, ident identity.NodeIdentity, spec LaunchSpec) {
	alive, err := s.opts.Process.Alive()
	if err != nil {
		s.metrics.recordLiveness("error")
		s.reportRecovered(fmt.Errorf("liveness check: %w", err))
		return
	}
	if alive {
		s.metrics.recordLiveness("alive")
		s.healthy.Do(func() {
			s.logger.Info("storage node running")
		})
		vsnlog.Trace(s.logger, "storage node alive")
		return
	}
	s.metrics.recordLiveness("dead")
	s.logger.Warn("storage node not running")

	killed, err := s.opts.Process.KillStale()
	s.metrics.recordStaleKills(len(killed))
	if len(killed) > 0 {
		s.logger.Info("killed stale storage node processes", slog.Any("pids", killed))
	}
	if err != nil {
		// Spawning next to a survivor would run two nodes.
		s.reportRecovered(fmt.Errorf("kill stale storage node: %w", err))
		return
	}

	if err := s.spawn(ctx, spec); err != nil {
		s.reportRecovered(err)
		return
	}

	_ = s.sleep(ctx, s.opts.SettleInterval)

	if ident.Known || s.registered {
		return
	}
	if err := s.register(ctx, ident); err != nil {
		s.reportRecovered(err)
		return
	}
	s.registered = true
}

func (s *Supervisor) spawn(ctx context.Context, spec LaunchSpec) error {
	_, span := s.tracer.Start(ctx, "supervisor.spawn",
		trace.WithAttributes(attribute.String("vsn.binary", spec.Binary)))
	defer span.End()

	s.logger.Info("starting storage node", slog.String("command", spec.String()))
	pid, err := s.opts.Process.Spawn(spec.Binary, spec.Args())
	s.metrics.recordSpawn(err)
	if err != nil {
		var spawnErr *vsnerrors.SpawnError
		if !errors.As(err, &spawnErr) {
			err = &vsnerrors.SpawnError{Binary: spec.Binary, Cause: err}
		}
		failSpan(span, err)
		return err
	}
	span.SetAttributes(attribute.Int("vsn.pid", pid))
	s.logger.Info("storage node started", slog.Int(vsnlog.PIDKey, pid))
	return nil
}

func (s *Supervisor) register(ctx context.Context, ident identity.NodeIdentity) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.register",
		trace.WithAttributes(attribute.String("vsn.advertise_address", s.opts.AdvertiseAddress)))
	defer span.End()

	err := s.opts.Registrar.Register(ctx, s.opts.AdvertiseAddress)
	s.metrics.recordRegistration(err)
	if err != nil {
		failSpan(span, err)
		_ = s.audit.LogRegisterFailure(ident.ID, s.opts.AdvertiseAddress, err)
		return err
	}
	_ = s.audit.LogRegister(ident.ID, s.opts.AdvertiseAddress)
	return nil
}

func (s *Supervisor) stop(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "supervisor.stop")
	defer span.End()

	s.logger.Info("stopping storage node")
	if err := s.opts.Process.Stop(); err != nil {
		failSpan(span, err)
		s.logger.Error("could not stop storage node cleanly", vsnlog.Error(err))
	}
}

// reportRecovered logs a loop-body failure and forwards it to OnRecovered.
func (s *Supervisor) reportRecovered(err error) {
	s.logger.Error("recovered from failure, retrying next iteration",
		vsnlog.Error(err),
		slog.String("error_type", vsnerrors.TypeOf(err)),
		slog.Bool("retryable", vsnerrors.IsRetryable(err)),
		slog.Duration("retry_in", s.opts.RetryInterval))
	if s.opts.OnRecovered != nil {
		s.opts.OnRecovered(err)
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
