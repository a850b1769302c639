// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the question
// answering pipeline. Metrics include:
//   - Ask counters (by final turn status)
//   - Stage latency histograms (translate, validate, execute, compose)
//   - Cache events (hits, misses, evictions by reason)
//   - Retry and error counters (errors by kind)
//   - Active session gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "graphask"

// Subsystem for pipeline metrics
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for the ask pipeline.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring translation,
// execution and caching. Initialize once per registry via
// NewPipelineMetrics. All methods are safe to call on a nil receiver, in
// which case they do nothing.
//
// # Fields
//
//   - AsksTotal: Counter of completed asks by status
//   - AskDurationSeconds: Histogram of end-to-end ask latency
//   - StageDurationSeconds: Histogram of per-stage latency
//   - CacheEventsTotal: Counter of cache hits, misses and evictions
//   - RetriesTotal: Counter of reformulated translations
//   - ErrorsTotal: Counter of failures by kind
//   - ActiveSessions: Gauge of open sessions
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// AsksTotal counts completed asks.
	// Labels: status (SUCCESS, FAILED, CACHED)
	AsksTotal *prometheus.CounterVec

	// AskDurationSeconds measures end-to-end ask latency.
	// Labels: status
	AskDurationSeconds *prometheus.HistogramVec

	// StageDurationSeconds measures the latency of one pipeline stage.
	// Labels: stage (schema, translate, validate, execute, compose)
	StageDurationSeconds *prometheus.HistogramVec

	// CacheEventsTotal counts query cache activity.
	// Labels: event (hit, miss, evict_expired, evict_capacity)
	CacheEventsTotal *prometheus.CounterVec

	// RetriesTotal counts translations repeated under the retry policy.
	RetriesTotal prometheus.Counter

	// ErrorsTotal counts failed asks by error kind.
	// Labels: kind (connection_failure, model_error, invalid_query, ...)
	ErrorsTotal *prometheus.CounterVec

	// ActiveSessions tracks currently open conversation sessions.
	ActiveSessions prometheus.Gauge
}

// DefaultMetrics is the singleton instance registered with the default
// Prometheus registry. Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all metrics with prometheus.DefaultRegisterer.
// Must be called at most once per process.
//
// # Outputs
//
//   - *PipelineMetrics: The initialized metrics instance.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = NewPipelineMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewPipelineMetrics creates and registers pipeline metrics with reg.
//
// # Description
//
// Services own a dedicated registry so that several instances (tests,
// embedded use) never collide on registration.
//
// # Inputs
//
//   - reg: Registerer to register with. Nil means unregistered metrics.
//
// # Outputs
//
//   - *PipelineMetrics: Ready to use.
//
// # Example
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewPipelineMetrics(reg)
//	m.RecordAsk(datatypes.StatusSuccess, 850*time.Millisecond)
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		AsksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "asks_total",
				Help:      "Total number of completed asks by status",
			},
			[]string{"status"},
		),

		AskDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "ask_duration_seconds",
				Help:      "End-to-end ask latency in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Latency of a single pipeline stage in seconds",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		CacheEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "events_total",
				Help:      "Query cache hits, misses and evictions",
			},
			[]string{"event"},
		),

		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retries_total",
				Help:      "Total translations repeated after a retryable failure",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "errors_total",
				Help:      "Total failed asks by error kind",
			},
			[]string{"kind"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Number of open conversation sessions",
			},
		),
	}
}

// =============================================================================
// Stage Names
// =============================================================================

// Stage names a pipeline stage for latency labeling.
type Stage string

const (
	StageSchema    Stage = "schema"
	StageTranslate Stage = "translate"
	StageValidate  Stage = "validate"
	StageExecute   Stage = "execute"
	StageCompose   Stage = "compose"
)

// Cache event label values.
const (
	CacheEventHit           = "hit"
	CacheEventMiss          = "miss"
	CacheEventEvictExpired  = "evict_expired"
	CacheEventEvictCapacity = "evict_capacity"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAsk records a completed ask.
//
// # Inputs
//
//   - status: Final turn status.
//   - d: End-to-end latency.
func (m *PipelineMetrics) RecordAsk(status datatypes.TurnStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.AsksTotal.WithLabelValues(string(status)).Inc()
	m.AskDurationSeconds.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ObserveStage records the latency of one stage.
func (m *PipelineMetrics) ObserveStage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// RecordRetry increments the retry counter.
func (m *PipelineMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// RecordError records a failed ask.
//
// # Inputs
//
//   - kind: The classified failure kind.
func (m *PipelineMetrics) RecordError(kind datatypes.ErrorKind) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(kind)).Inc()
}

// SetActiveSessions sets the open session gauge.
func (m *PipelineMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// CacheHit implements querycache.Observer.
func (m *PipelineMetrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheEventsTotal.WithLabelValues(CacheEventHit).Inc()
}

// CacheMiss implements querycache.Observer.
func (m *PipelineMetrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheEventsTotal.WithLabelValues(CacheEventMiss).Inc()
}

// CacheEviction implements querycache.Observer. reason is "expired" or
// "capacity".
func (m *PipelineMetrics) CacheEviction(reason string) {
	if m == nil {
		return
	}
	event := CacheEventEvictCapacity
	if reason == "expired" {
		event = CacheEventEvictExpired
	}
	m.CacheEventsTotal.WithLabelValues(event).Inc()
}
