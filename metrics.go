// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"errors"
	"time"

	"github.com/pion/portmap/igd"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "portmap"

type metrics struct {
	attempts  *prometheus.CounterVec
	renewals  *prometheus.CounterVec
	active    prometheus.Gauge
	discovery prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mapping_attempts_total",
			Help:      "AddPortMapping attempts by protocol and result.",
		}, []string{"protocol", "result"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "renewals_total",
			Help:      "Lease renewals by result.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_leases",
			Help:      "Mappings currently held on the gateway.",
		}),
		discovery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_resolution_seconds",
			Help:      "Time spent discovering and resolving the gateway.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.attempts, m.renewals, m.active, m.discovery} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// result maps an error to a low cardinality label value.
func result(err error) string {
	var fault *igd.SOAPFault
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &fault):
		return "fault"
	case errors.Is(err, igd.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func (m *metrics) mappingAttempt(proto Protocol, err error) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(proto), result(err)).Inc()
}

func (m *metrics) renewal(err error) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result(err)).Inc()
}

func (m *metrics) leaseMapped() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *metrics) leaseReleased() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *metrics) resolved(d time.Duration) {
	if m == nil {
		return
	}
	m.discovery.Observe(d.Seconds())
}
