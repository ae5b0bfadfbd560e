package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunepair",
		Subsystem: "transport",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect dials started after an unexpected close.",
	}, []string{"endpoint"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunepair",
		Subsystem: "transport",
		Name:      "frames_dropped_total",
		Help:      "Frames discarded instead of delivered or sent.",
	}, []string{"endpoint", "reason"})
)
