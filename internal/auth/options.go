// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"log/slog"
	"time"
)

// Metrics receives counters from the auth flows. The observability
// package provides the prometheus implementation.
type Metrics interface {
	// ObserveLogin counts a login attempt by outcome
	// (success, invalid, locked, bot, error).
	ObserveLogin(outcome string)
	// ObserveIssuance counts OTP and reset token issuance by outcome.
	ObserveIssuance(kind, outcome string)
	// ObserveSessionCheck counts session checks by resulting state.
	ObserveSessionCheck(state string)
	// ObserveSweep counts rows removed by a cleanup pass.
	ObserveSweep(kind string, removed int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveLogin(string)            {}
func (noopMetrics) ObserveIssuance(string, string) {}
func (noopMetrics) ObserveSessionCheck(string)     {}
func (noopMetrics) ObserveSweep(string, int64)     {}

// Option configures auth components.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	clock   func() time.Time
	metrics Metrics
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		clock:   time.Now,
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics sets the metrics sink. Nil is ignored.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}
