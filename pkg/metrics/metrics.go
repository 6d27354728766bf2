// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the relayd
// outbound HTTP client engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the client engine.
type Metrics struct {
	// Exchange metrics
	ActiveClients   prometheus.Gauge
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestBytes    *prometheus.HistogramVec
	ResponseBytes   *prometheus.HistogramVec

	// Failure metrics
	BuildErrors     *prometheus.CounterVec
	TaskInitErrors  *prometheus.CounterVec
	HeaderOverflows prometheus.Counter
	StoppedTasks    prometheus.Counter

	// Destination metrics
	ResolvesTotal *prometheus.CounterVec
	TLSSelections *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relayd"
	}

	m := &Metrics{
		ActiveClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "active_clients",
				Help:      "Number of client instances with a running worker task",
			},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "requests_total",
				Help:      "Total number of exchanges driven to completion",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "request_duration_seconds",
				Help:      "Exchange duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RequestBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "request_bytes",
				Help:      "Request payload bytes written to the transport",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method"},
		),
		ResponseBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "response_bytes",
				Help:      "Response payload bytes handed to the caller",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method"},
		),
		BuildErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "build_errors_total",
				Help:      "Total number of request serialization failures",
			},
			[]string{"reason"},
		),
		TaskInitErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "task_init_errors_total",
				Help:      "Total number of worker task initialization failures",
			},
			[]string{"reason"},
		),
		HeaderOverflows: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "header_overflows_total",
				Help:      "Total number of responses aborted over the header limit",
			},
		),
		StoppedTasks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "stopped_tasks_total",
				Help:      "Total number of tasks ended by a stop request",
			},
		),
		ResolvesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "resolves_total",
				Help:      "Total number of deferred name resolutions",
			},
			[]string{"status"},
		),
		TLSSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "httpclient",
				Name:      "transport_selections_total",
				Help:      "Total number of transport profile selections",
			},
			[]string{"scheme", "status"},
		),
	}

	return m
}

// ObserveExchange tracks one exchange lifecycle. The given function
// returns the response status code, or zero when the exchange failed
// before a status line was seen.
func (m *Metrics) ObserveExchange(method string, f func() int) {
	m.ActiveClients.Inc()
	defer m.ActiveClients.Dec()

	start := time.Now()
	status := f()
	duration := time.Since(start).Seconds()

	label := "none"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.RequestsTotal.WithLabelValues(method, label).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration)
}
