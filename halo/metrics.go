package halo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesExchanged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wenofit",
		Subsystem: "halo",
		Name:      "bytes_sent_total",
		Help:      "Payload bytes sent by all in-process endpoints.",
	})
	exchangeRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wenofit",
		Subsystem: "halo",
		Name:      "exchange_rounds_total",
		Help:      "Completed exchange rounds, counted once per rank.",
	})
)
