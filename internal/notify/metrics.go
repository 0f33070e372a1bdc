package notify

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

func newDeliveriesCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nezhactl_notifications_total",
		Help: "Notification deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})
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
