package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koabot",
		Name:      "gateway_events_total",
		Help:      "Inbound dispatch events decoded",
	})
	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koabot",
		Name:      "gateway_reconnects_total",
		Help:      "Reconnect attempts after transport failure",
	})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "koabot",
		Name:      "gateway_frames_dropped_total",
		Help:      "Inbound frames dropped",
	}, []string{"reason"})
)
