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

// Package metrics exposes execution metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/modelchain/pkg/workflow"
)

var _ workflow.StepObserver = (*Recorder)(nil)

// Recorder owns the collectors registered on one registry.
type Recorder struct {
	registry *prometheus.Registry

	executions *prometheus.CounterVec
	steps      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	fallbacks  *prometheus.CounterVec
	admissions *prometheus.CounterVec
}

// New registers the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelchain_executions_total",
				Help: "Total workflow executions by terminal status",
			},
			[]string{"status"},
		),
		steps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelchain_steps_total",
				Help: "Total executed steps by kind and status",
			},
			[]string{"kind", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelchain_step_duration_seconds",
				Help:    "Step execution duration by kind",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelchain_provider_fallbacks_total",
				Help: "Provider fallbacks by source and target provider",
			},
			[]string{"from", "to"},
		),
		admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelchain_admission_rejections_total",
				Help: "Executions rejected before the first step by reason",
			},
			[]string{"reason"},
		),
	}
}

// ObserveStep records one finished step.
func (r *Recorder) ObserveStep(kind workflow.StepKind, status string, d time.Duration) {
	r.steps.WithLabelValues(string(kind), status).Inc()
	r.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// RecordExecution counts an execution that reached a terminal status.
func (r *Recorder) RecordExecution(status workflow.ExecutionStatus) {
	r.executions.WithLabelValues(string(status)).Inc()
}

// RecordFallback counts a switch from one provider to the next.
func (r *Recorder) RecordFallback(from, to string) {
	r.fallbacks.WithLabelValues(from, to).Inc()
}

// RecordRejection counts an admission rejection, e.g. "balance" or
// "signup_required".
func (r *Recorder) RecordRejection(reason string) {
	r.admissions.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
