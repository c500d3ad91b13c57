// Package metrics exposes informational Prometheus collectors for the
// launcher. They are not part of the launch contract.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "magma_launches_total",
		Help: "Custom-call launches by stage and outcome",
	}, []string{"stage", "outcome"})

	CompileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "magma_compile_total",
		Help: "Kernel assembly compilations by outcome",
	}, []string{"outcome"})

	AutotuneRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "magma_autotune_runs_total",
		Help: "Autotune passes by outcome",
	}, []string{"outcome"})

	AutotuneDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "magma_autotune_duration_seconds",
		Help:    "Wall-clock duration of autotune passes",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	KernelCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "magma_kernel_cache_size",
		Help: "Number of distinct compiled kernels resident in the cache",
	})

	CallCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "magma_call_cache_size",
		Help: "Number of distinct call objects resident in the cache",
	})
)
