package monitor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

func newChecksCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nezhactl_monitor_checks_total",
		Help: "Target check results seen by the monitor pass, by target and outcome.",
	}, []string{"target", "kind", "outcome"})
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func outcome(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}
