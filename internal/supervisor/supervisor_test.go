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

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vsnsup/internal/identity"
	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

const (
	retry  = 3 * time.Second
	settle = 1 * time.Second
)

// recorder is the ordered event log shared by all fakes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(ev string) int {
	n := 0
	for _, e := range r.all() {
		if e == ev {
			n++
		}
	}
	return n
}

type fakeResolver struct {
	ident identity.NodeIdentity
	err   error
	rec   *recorder
}

func (f *fakeResolver) Resolve(ctx context.Context) (identity.NodeIdentity, error) {
	f.rec.add("resolve")
	return f.ident, f.err
}

type fakeVolume struct {
	truncates []bool
	err       error
	rec       *recorder
}

func (f *fakeVolume) Prepare(home string, truncate bool) (string, error) {
	f.rec.add("prepare")
	f.truncates = append(f.truncates, truncate)
	if f.err != nil {
		return "", f.err
	}
	return home + "/data", nil
}

type fakeRegistrar struct {
	addrs []string
	errs  []error
	ctxs  []context.Context
	rec   *recorder
}

func (f *fakeRegistrar) Register(ctx context.Context, advertise string) error {
	f.rec.add("register")
	f.addrs = append(f.addrs, advertise)
	f.ctxs = append(f.ctxs, ctx)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

// fakeProcess answers liveness from a script; once the script is exhausted
// the node reports alive.
type fakeProcess struct {
	alive     []bool
	aliveErr  error
	killErr   error
	spawnErrs []error
	stopErr   error
	onSpawn   func()
	args      [][]string
	rec       *recorder
}

func (f *fakeProcess) Alive() (bool, error) {
	f.rec.add("alive?")
	if f.aliveErr != nil {
		return false, f.aliveErr
	}
	if len(f.alive) == 0 {
		return true, nil
	}
	a := f.alive[0]
	f.alive = f.alive[1:]
	return a, nil
}

func (f *fakeProcess) KillStale() ([]int, error) {
	f.rec.add("kill")
	if f.killErr != nil {
		return nil, f.killErr
	}
	return []int{42}, nil
}

func (f *fakeProcess) Spawn(binary string, args []string) (int, error) {
	f.rec.add("spawn")
	f.args = append(f.args, args)
	if f.onSpawn != nil {
		f.onSpawn()
	}
	if len(f.spawnErrs) > 0 {
		err := f.spawnErrs[0]
		f.spawnErrs = f.spawnErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return 100 + len(f.args), nil
}

func (f *fakeProcess) Stop() error {
	f.rec.add("stop")
	return f.stopErr
}

type harness struct {
	rec       *recorder
	resolver  *fakeResolver
	volume    *fakeVolume
	registrar *fakeRegistrar
	process   *fakeProcess
	recovered []error
	logs      bytes.Buffer
	metrics   *Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	sup       *Supervisor
}

// newHarness builds a supervisor whose retry sleeps are counted; the
// context is cancelled once iterations retry sleeps have happened.
func newHarness(t *testing.T, ident identity.NodeIdentity, iterations int) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:       rec,
		resolver:  &fakeResolver{ident: ident, rec: rec},
		volume:    &fakeVolume{rec: rec},
		registrar: &fakeRegistrar{rec: rec},
		process:   &fakeProcess{rec: rec},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(h.cancel)

	retries := 0
	sup, err := New(Options{
		ClusterID:        1,
		Home:             "/srv/vsn",
		NodeBinary:       "/opt/bin/vsn",
		ListenAddress:    "0.0.0.0:9091",
		AdvertiseAddress: "10.0.0.2:9091",
		RetryInterval:    retry,
		SettleInterval:   settle,
		Resolver:         h.resolver,
		Volume:           h.volume,
		Registrar:        h.registrar,
		Process:          h.process,
		OnRecovered:      func(err error) { h.recovered = append(h.recovered, err) },
		RunID:            "run-test",
		Logger:           slog.New(slog.NewJSONHandler(&h.logs, nil)),
		Metrics:          h.metrics,
		Sleep: func(ctx context.Context, d time.Duration) error {
			switch d {
			case settle:
				rec.add("settle")
			case retry:
				rec.add("sleep")
				retries++
				if retries >= iterations {
					h.cancel()
				}
			}
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	h.sup = sup
	return h
}

func TestRun_KnownNode(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 5, Known: true}, 3)
	h.process.alive = []bool{false, true, true}

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, []bool{false}, h.volume.truncates, "known node volume is preserved")
	assert.Equal(t, 0, h.rec.count("register"))
	assert.Equal(t, []string{
		"resolve", "prepare",
		"alive?", "kill", "spawn", "settle", "sleep",
		"alive?", "sleep",
		"alive?", "sleep",
		"stop",
	}, h.rec.all())
	assert.Equal(t, StateTerminated, h.sup.State())
	assert.Empty(t, h.recovered)
}

func TestRun_NewNodeRegistersOnce(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 77, Known: false}, 5)
	h.process.alive = []bool{false, true, false, true, false}

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, []bool{true}, h.volume.truncates, "new node volume is truncated")
	assert.Equal(t, 3, h.rec.count("spawn"))
	assert.Equal(t, []string{"10.0.0.2:9091"}, h.registrar.addrs)
	assert.Equal(t, []string{
		"resolve", "prepare",
		"alive?", "kill", "spawn", "settle", "register", "sleep",
		"alive?", "sleep",
		"alive?", "kill", "spawn", "settle", "sleep",
		"alive?", "sleep",
		"alive?", "kill", "spawn", "settle", "sleep",
		"stop",
	}, h.rec.all())
}

func TestRun_KnownNodeCrashDoesNotRegister(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 5, Known: true}, 3)
	h.process.alive = []bool{true, false, true}

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, 1, h.rec.count("kill"))
	assert.Equal(t, 1, h.rec.count("spawn"))
	assert.Equal(t, 0, h.rec.count("register"))
}

func TestRun_AliveIterationTakesNoAction(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 9, Known: false}, 4)

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, 0, h.rec.count("kill"))
	assert.Equal(t, 0, h.rec.count("spawn"))
	assert.Equal(t, 0, h.rec.count("register"))
	assert.Equal(t, 4, h.rec.count("alive?"))
	assert.Equal(t, 1, h.rec.count("stop"))
}

func TestRun_LaunchSpecIsFixed(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 12, Known: true}, 2)
	h.process.alive = []bool{false, false}

	require.NoError(t, h.sup.Run(h.ctx))

	want := []string{
		"start",
		"--cluster-id=1",
		"--storage-node-id=12",
		"--listen-address=0.0.0.0:9091",
		"--volumes=/srv/vsn/data",
		"--advertise-address=10.0.0.2:9091",
	}
	require.Len(t, h.process.args, 2)
	assert.Equal(t, want, h.process.args[0])
	assert.Equal(t, want, h.process.args[1])
}

func TestRun_RegistrationRetriedAfterFailure(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 3, Known: false}, 4)
	h.process.alive = []bool{false, false, false, false}
	regErr := &vsnerrors.RegistrationError{Address: "10.0.0.2:9091", ExitCode: 1}
	h.registrar.errs = []error{regErr}

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, 2, h.rec.count("register"), "one failure, one success, then never again")
	assert.Equal(t, 4, h.rec.count("spawn"))
	require.Len(t, h.recovered, 1)
	assert.ErrorIs(t, h.recovered[0], regErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.registrations.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.registrations.WithLabelValues("success")))
}

func TestRun_SpawnFailureIsRecovered(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 3, Known: false}, 2)
	h.process.alive = []bool{false, false}
	h.process.spawnErrs = []error{errors.New("exec format error")}

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, []string{
		"resolve", "prepare",
		"alive?", "kill", "spawn", "sleep",
		"alive?", "kill", "spawn", "settle", "register", "sleep",
		"stop",
	}, h.rec.all())
	require.Len(t, h.recovered, 1)
	var spawnErr *vsnerrors.SpawnError
	require.ErrorAs(t, h.recovered[0], &spawnErr)
	assert.Equal(t, "/opt/bin/vsn", spawnErr.Binary)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.spawns.WithLabelValues("failure")))
}

func TestRun_LogsErrorClassification(t *testing.T) {
	t.Run("recovered spawn failure is retryable", func(t *testing.T) {
		h := newHarness(t, identity.NodeIdentity{ID: 3, Known: true}, 1)
		h.process.alive = []bool{false}
		h.process.spawnErrs = []error{errors.New("exec format error")}

		require.NoError(t, h.sup.Run(h.ctx))

		logs := h.logs.String()
		assert.Contains(t, logs, `"error_type":"spawn"`)
		assert.Contains(t, logs, `"retryable":true`)
	})

	t.Run("fatal resolve failure is not retryable", func(t *testing.T) {
		h := newHarness(t, identity.NodeIdentity{}, 1)
		h.resolver.err = &vsnerrors.MetadataUnavailableError{Address: "vms:9093", Reason: "query failed"}

		require.Error(t, h.sup.Run(h.ctx))
		assert.Contains(t, h.logs.String(), `"retryable":false`)
	})
}

func TestRun_StaleKillFailureSkipsSpawn(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 3, Known: true}, 2)
	h.process.alive = []bool{false, true}
	h.process.killErr = errors.New("operation not permitted")

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, 0, h.rec.count("spawn"))
	require.Len(t, h.recovered, 1)
	assert.ErrorContains(t, h.recovered[0], "kill stale storage node")
}

func TestRun_LivenessErrorSkipsIteration(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 3, Known: true}, 2)
	h.process.aliveErr = errors.New("read /proc: permission denied")

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, 0, h.rec.count("kill"))
	assert.Equal(t, 0, h.rec.count("spawn"))
	assert.Len(t, h.recovered, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.livenessChecks.WithLabelValues("error")))
}

func TestRun_ResolveFailureIsFatal(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{}, 1)
	resolveErr := &vsnerrors.MetadataUnavailableError{Address: "vms:9093", Reason: "query failed"}
	h.resolver.err = resolveErr

	err := h.sup.Run(h.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, resolveErr)
	assert.Equal(t, []string{"resolve"}, h.rec.all(), "no volume, spawn or stop after fatal resolve")
	assert.Equal(t, StateTerminated, h.sup.State())
}

func TestRun_VolumeFailureIsFatal(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 1, Known: false}, 1)
	h.volume.err = &vsnerrors.VolumeIOError{Path: "/srv/vsn/data", Op: "remove", Cause: errors.New("permission denied")}

	err := h.sup.Run(h.ctx)
	var volErr *vsnerrors.VolumeIOError
	require.ErrorAs(t, err, &volErr)
	assert.Equal(t, []string{"resolve", "prepare"}, h.rec.all())
}

func TestRun_CancelledBeforeMonitoring(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 1, Known: false}, 1)
	h.cancel()

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, []string{"resolve", "prepare", "stop"}, h.rec.all())
}

func TestRun_CancelDuringSpawnCompletesIteration(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 8, Known: false}, 100)
	h.process.alive = []bool{false, false, false}
	h.process.onSpawn = h.cancel

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, []string{
		"resolve", "prepare",
		"alive?", "kill", "spawn", "settle", "register",
		"stop",
	}, h.rec.all(), "in-flight iteration finishes, then exactly one stop")
	require.Len(t, h.registrar.ctxs, 1)
	assert.NoError(t, h.registrar.ctxs[0].Err(), "registration is not cancelled mid-flight")
}

func TestRun_StopErrorStillTerminates(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 1, Known: true}, 1)
	h.process.stopErr = errors.New("process did not die")

	require.NoError(t, h.sup.Run(h.ctx))
	assert.Equal(t, StateTerminated, h.sup.State())
	assert.Equal(t, 1, h.rec.count("stop"))
}

func TestRun_Metrics(t *testing.T) {
	h := newHarness(t, identity.NodeIdentity{ID: 4, Known: true}, 2)
	h.process.alive = []bool{false, true}

	require.NoError(t, h.sup.Run(h.ctx))

	assert.Equal(t, float64(StateTerminated), testutil.ToFloat64(h.metrics.state))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.known))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.livenessChecks.WithLabelValues("dead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.livenessChecks.WithLabelValues("alive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.staleKills))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.spawns.WithLabelValues("success")))
}

func TestNew_Validation(t *testing.T) {
	rec := &recorder{}
	base := Options{
		NodeBinary:       "/opt/bin/vsn",
		AdvertiseAddress: "10.0.0.1:9091",
		Resolver:         &fakeResolver{rec: rec},
		Volume:           &fakeVolume{rec: rec},
		Registrar:        &fakeRegistrar{rec: rec},
		Process:          &fakeProcess{rec: rec},
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing resolver", func(o *Options) { o.Resolver = nil }},
		{"missing volume", func(o *Options) { o.Volume = nil }},
		{"missing registrar", func(o *Options) { o.Registrar = nil }},
		{"missing process", func(o *Options) { o.Process = nil }},
		{"missing binary", func(o *Options) { o.NodeBinary = "" }},
		{"missing advertise", func(o *Options) { o.AdvertiseAddress = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	t.Run("fills defaults", func(t *testing.T) {
		s, err := New(base)
		require.NoError(t, err)
		assert.NotEmpty(t, s.RunID())
		assert.Equal(t, DefaultRetryInterval, s.opts.RetryInterval)
		assert.Equal(t, StateStarting, s.State())
	})
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, sleepContext(ctx, time.Millisecond))
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
