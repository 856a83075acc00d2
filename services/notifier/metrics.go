package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "evalsession_notifications_total",
	Help: "Participant-request notifications by kind and result.",
}, []string{"kind", "result"})
