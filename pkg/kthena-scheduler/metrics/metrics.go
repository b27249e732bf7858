/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

const (
	namespace = "kthena_scheduler"

	// Label names
	LabelModel  = "model"
	LabelState  = "state"
	LabelReason = "reason"
	LabelResult = "result"

	// Admission result values
	AdmissionAccepted    = "accepted"
	AdmissionRateLimited = "rate_limited"
	AdmissionRejected    = "rejected"
	AdmissionInvalid     = "invalid"
)

// Metrics holds all Prometheus metrics of the scheduler.
// Every method is safe on a nil receiver so components can run without telemetry.
type Metrics struct {
	QueueDepth *prometheus.GaugeVec

	BatchSize     prometheus.Histogram
	BatchCost     prometheus.Histogram
	CycleDuration prometheus.Histogram

	BackendErrors    *prometheus.CounterVec
	Admissions       *prometheus.CounterVec
	RequestsFinished *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	QueueWait        *prometheus.HistogramVec
	OutputTokens     *prometheus.CounterVec

	Headroom       prometheus.Gauge
	Backpressure   prometheus.Gauge
	StaleSnapshots prometheus.Counter
}

// NewMetrics creates the scheduler metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of requests held by the scheduler per state",
			},
			[]string{LabelState},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of requests per dispatched batch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
		),

		BatchCost: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_cost_tokens",
				Help:      "Estimated token cost per dispatched batch",
				Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
			},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of one scheduling cycle",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),

		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Requests failed by the execution backend, by error code",
			},
			[]string{LabelModel, LabelReason},
		),

		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Admission attempts by result",
			},
			[]string{LabelModel, LabelResult},
		),

		RequestsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_finished_total",
				Help:      "Requests that reached a terminal state",
			},
			[]string{LabelModel, LabelState},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from admission to terminal state",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{LabelModel, LabelState},
		),

		QueueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time from admission until the request is placed in a batch",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{LabelModel},
		),

		OutputTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_tokens_total",
				Help:      "Output tokens delivered by the execution backend",
			},
			[]string{LabelModel},
		),

		Headroom: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "headroom_tokens",
				Help:      "Token headroom reported by the latest resource snapshot",
			},
		),

		Backpressure: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backpressure",
				Help:      "1 while admissions are blocked by backpressure",
			},
		),

		StaleSnapshots: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_snapshots_total",
				Help:      "Resource samples that failed or timed out",
			},
		),
	}
}

// SetQueueDepth publishes the per-state request counts.
func (m *Metrics) SetQueueDepth(counts map[common.RequestState]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
	}
}

// RecordBatch records a dispatched batch.
func (m *Metrics) RecordBatch(size int, cost float64) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
	m.BatchCost.Observe(cost)
}

func (m *Metrics) RecordCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordBackendError(model string, code common.ErrorCode) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(model, string(code)).Inc()
}

func (m *Metrics) RecordAdmission(model, result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(model, result).Inc()
}

// RecordFinished records a request reaching a terminal state after d.
func (m *Metrics) RecordFinished(model string, state common.RequestState, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsFinished.WithLabelValues(model, string(state)).Inc()
	m.RequestDuration.WithLabelValues(model, string(state)).Observe(d.Seconds())
}

func (m *Metrics) RecordQueueWait(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) RecordOutputTokens(model string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutputTokens.WithLabelValues(model).Add(float64(n))
}

func (m *Metrics) RecordHeadroom(tokens float64) {
	if m == nil {
		return
	}
	m.Headroom.Set(tokens)
}

func (m *Metrics) SetBackpressure(active bool) {
	if m == nil {
		return
	}
	if active {
		m.Backpressure.Set(1)
		return
	}
	m.Backpressure.Set(0)
}

func (m *Metrics) RecordStaleSnapshot() {
	if m == nil {
		return
	}
	m.StaleSnapshots.Inc()
}
