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

package prepuller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics count prepull pod outcomes.
type Metrics struct {
	Prepulls *prometheus.CounterVec
}

// NewMetrics registers the prepull metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Prepulls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nublado_prepulls_total",
			Help: "Prepull pods run, by result.",
		}, []string{"result"}),
	}
}
