package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "koabot",
		Name:      "commands_total",
		Help:      "Command invocations by outcome",
	}, []string{"command", "status"})
	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koabot",
		Name:      "handler_errors_total",
		Help:      "Command handlers that returned an error or panicked",
	})
	timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koabot",
		Name:      "handler_timeouts_total",
		Help:      "Command handlers that exceeded their time budget",
	})
)
