package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tunepair",
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Open websocket connections per hub.",
	}, []string{"hub"})

	framesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunepair",
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Frames received by a hub, by outcome.",
	}, []string{"hub", "outcome"})

	pairingResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunepair",
		Subsystem: "relay",
		Name:      "pairing_requests_total",
		Help:      "Pairing API requests by route and result.",
	}, []string{"route", "result"})
)
