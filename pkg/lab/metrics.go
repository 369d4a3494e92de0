// Copyright 2025 The Nublado Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the lab lifecycle counters. Cancelled spawns count as
// started but neither succeeded nor failed.
type Metrics struct {
	SpawnsStarted   prometheus.Counter
	SpawnsSucceeded prometheus.Counter
	SpawnsFailed    prometheus.Counter
	ActiveLabs      prometheus.Gauge
}

// NewMetrics registers the lab metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SpawnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "nublado_lab_spawns_started_total",
			Help: "Lab spawns begun.",
		}),
		SpawnsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "nublado_lab_spawns_succeeded_total",
			Help: "Lab spawns that reached Running.",
		}),
		SpawnsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "nublado_lab_spawns_failed_total",
			Help: "Lab spawns that failed, excluding cancellations.",
		}),
		ActiveLabs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nublado_lab_active",
			Help: "Labs currently running.",
		}),
	}
}
