package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalsession_admissions_total",
		Help: "Join attempts by outcome or failure code.",
	}, []string{"code"})

	reviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalsession_reviews_total",
		Help: "Participant request reviews by action.",
	}, []string{"action"})
)
