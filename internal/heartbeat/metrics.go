package heartbeat

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	checks   *prometheus.CounterVec
	restarts *prometheus.CounterVec
	failures *prometheus.GaugeVec
	peers    *prometheus.CounterVec
	cycles   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nezhactl_heartbeat_unit_checks_total",
			Help: "Live unit checks by result.",
		}, []string{"unit", "result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nezhactl_heartbeat_restarts_total",
			Help: "Restart policy outcomes by unit.",
		}, []string{"unit", "outcome"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nezhactl_heartbeat_unit_failures",
			Help: "Consecutive live failures per unit.",
		}, []string{"unit"}),
		peers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nezhactl_heartbeat_peer_invocations_total",
			Help: "Peer heartbeat invocations by outcome.",
		}, []string{"outcome"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nezhactl_heartbeat_cycles_total",
			Help: "Heartbeat cycles by trigger.",
		}, []string{"trigger"}),
	}
	if reg == nil {
		return m
	}
	m.checks = register(reg, m.checks)
	m.restarts = register(reg, m.restarts)
	m.failures = register(reg, m.failures)
	m.peers = register(reg, m.peers)
	m.cycles = register(reg, m.cycles)
	return m
}

// register adds c to reg, reusing an identical collector registered by an
// earlier instance.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observeFanout(rep FanoutReport) {
	m.peers.WithLabelValues("succeeded").Add(float64(rep.Succeeded))
	m.peers.WithLabelValues("failed").Add(float64(rep.Failed))
	m.peers.WithLabelValues("unreachable").Add(float64(rep.Unreachable))
}
