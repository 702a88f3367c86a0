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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the supervisor's Prometheus instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	state          prometheus.Gauge
	known          prometheus.Gauge
	livenessChecks *prometheus.CounterVec
	spawns         *prometheus.CounterVec
	staleKills     prometheus.Counter
	registrations  *prometheus.CounterVec
}

// NewMetrics registers the supervisor metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		state: f.NewGauge(prometheus.GaugeOpts{
			Name: "vsnsup_state",
			Help: "Current supervisor state (0=starting .. 5=terminated)",
		}),
		known: f.NewGauge(prometheus.GaugeOpts{
			Name: "vsnsup_node_known",
			Help: "1 if the node identity was found in cluster metadata",
		}),
		livenessChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vsnsup_liveness_checks_total",
				Help: "Liveness checks by result",
			},
			[]string{"result"},
		),
		spawns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vsnsup_spawns_total",
				Help: "Node spawn attempts by result",
			},
			[]string{"result"},
		),
		staleKills: f.NewCounter(prometheus.CounterOpts{
			Name: "vsnsup_stale_kills_total",
			Help: "Stale node processes killed before a respawn",
		}),
		registrations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vsnsup_registrations_total",
				Help: "Cluster registration attempts by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *Metrics) setKnown(known bool) {
	if m == nil {
		return
	}
	if known {
		m.known.Set(1)
	} else {
		m.known.Set(0)
	}
}

func (m *Metrics) recordLiveness(result string) {
	if m != nil {
		m.livenessChecks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) recordSpawn(err error) {
	if m != nil {
		m.spawns.WithLabelValues(result(err)).Inc()
	}
}

func (m *Metrics) recordStaleKills(n int) {
	if m != nil {
		m.staleKills.Add(float64(n))
	}
}

func (m *Metrics) recordRegistration(err error) {
	if m != nil {
		m.registrations.WithLabelValues(result(err)).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
