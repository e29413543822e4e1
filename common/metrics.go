/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pagesync"

// Metrics records the activity of pages. A nil *Metrics records nothing.
type Metrics struct {
	Events                *prometheus.CounterVec
	ConsoleMessages       *prometheus.CounterVec
	ConsoleDropped        prometheus.Counter
	Operations            *prometheus.CounterVec
	OperationsInFlight    prometheus.Gauge
	OperationDuration     *prometheus.HistogramVec
	LiveFrames            prometheus.Gauge
	UnknownProtocolEvents prometheus.Counter
}

// NewMetrics creates the page metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "page",
				Name:      "events_total",
				Help:      "Total number of page events dispatched",
			},
			[]string{"event"},
		),
		ConsoleMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "console",
				Name:      "messages_total",
				Help:      "Total number of console messages received",
			},
			[]string{"type"},
		),
		ConsoleDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "console",
			Name:      "dropped_total",
			Help:      "Console messages evicted from a full buffer",
		}),
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pending",
				Name:      "operations_total",
				Help:      "Total number of settled pending operations",
			},
			[]string{"kind", "state"},
		),
		OperationsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pending",
			Name:      "in_flight",
			Help:      "Number of pending operations not settled yet",
		}),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pending",
				Name:      "duration_seconds",
				Help:      "Time from start to settlement of pending operations",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
			},
			[]string{"kind"},
		),
		LiveFrames: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "frames",
			Name:      "live",
			Help:      "Number of live frames in the frame tree",
		}),
		UnknownProtocolEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "unknown_events_total",
			Help:      "Protocol events the session could not decode",
		}),
	}
}

func (m *Metrics) event(name string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(name).Inc()
}

func (m *Metrics) consoleMessage(typ string, dropped bool) {
	if m == nil {
		return
	}
	m.ConsoleMessages.WithLabelValues(typ).Inc()
	if dropped {
		m.ConsoleDropped.Inc()
	}
}

func (m *Metrics) operationStarted() {
	if m == nil {
		return
	}
	m.OperationsInFlight.Inc()
}

func (m *Metrics) operationSettled(kind string, state OperationState, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(kind, state.String()).Inc()
	m.OperationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.OperationsInFlight.Dec()
}

func (m *Metrics) liveFrames(n int) {
	if m == nil {
		return
	}
	m.LiveFrames.Set(float64(n))
}

func (m *Metrics) unknownEvent() {
	if m == nil {
		return
	}
	m.UnknownProtocolEvents.Inc()
}
