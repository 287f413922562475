package stencil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wenofit",
		Subsystem: "stencil",
		Name:      "build_duration_seconds",
		Help:      "Time spent building the geometry of one rank.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	stencilSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wenofit",
		Subsystem: "stencil",
		Name:      "cells",
		Help:      "Cells per constructed stencil, center included.",
		Buckets:   prometheus.LinearBuckets(4, 8, 10),
	})
	cacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wenofit",
		Subsystem: "stencil",
		Name:      "cache_results_total",
		Help:      "Geometry cache lookups by outcome.",
	}, []string{"result"})
)
