package backup

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

func newRunsCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nezhactl_backups_total",
		Help: "Backup deliveries by sink and outcome.",
	}, []string{"sink", "outcome"})
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
