package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opm_kernel_launches_total",
		Help: "Total number of outer product mean kernel launches",
	}, []string{"backend"})

	kernelTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opm_kernel_tiles_total",
		Help: "Total number of output tiles computed",
	}, []string{"backend"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opm_kernel_duration_seconds",
		Help:    "Wall time of a single kernel launch",
		Buckets: []float64{0.00001, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
	}, []string{"backend"})

	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opm_tensor_pool_hits_total",
		Help: "Total number of tensor pool retrievals that reused a buffer",
	}, []string{"backend"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opm_tensor_pool_misses_total",
		Help: "Total number of tensor pool retrievals that allocated",
	}, []string{"backend"})
)
