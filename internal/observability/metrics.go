// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Keystead Prometheus collectors. It satisfies
// auth.Metrics so the auth flows can report into it directly.
type Metrics struct {
	LoginsTotal        *prometheus.CounterVec
	IssuanceTotal      *prometheus.CounterVec
	SessionChecksTotal *prometheus.CounterVec
	SweptRowsTotal     *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// NewMetrics creates and registers the Keystead metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystead_logins_total",
				Help: "Total number of login attempts by outcome",
			},
			[]string{"outcome"},
		),
		IssuanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystead_issuance_total",
				Help: "Total number of OTP and reset token issuance attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		SessionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystead_session_checks_total",
				Help: "Total number of session checks by resulting state",
			},
			[]string{"state"},
		),
		SweptRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystead_swept_rows_total",
				Help: "Total number of expired rows removed by kind",
			},
			[]string{"kind"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystead_http_requests_total",
				Help: "Total number of API requests by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystead_http_request_duration_seconds",
				Help:    "API request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(
		m.LoginsTotal,
		m.IssuanceTotal,
		m.SessionChecksTotal,
		m.SweptRowsTotal,
		m.HTTPRequestsTotal,
		m.HTTPDuration,
	)
	return m
}

// ObserveLogin counts a login attempt.
func (m *Metrics) ObserveLogin(outcome string) {
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIssuance counts an OTP or reset token issuance attempt.
func (m *Metrics) ObserveIssuance(kind, outcome string) {
	m.IssuanceTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSessionCheck counts a session check.
func (m *Metrics) ObserveSessionCheck(state string) {
	m.SessionChecksTotal.WithLabelValues(state).Inc()
}

// ObserveSweep adds removed rows to the sweep counter.
func (m *Metrics) ObserveSweep(kind string, removed int64) {
	if removed <= 0 {
		return
	}
	m.SweptRowsTotal.WithLabelValues(kind).Add(float64(removed))
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps h so each request is counted and timed under route.
func (m *Metrics) Instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
