package tune

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opm_tune_cache_hits_total",
		Help: "Total number of autotune lookups served from the cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opm_tune_cache_misses_total",
		Help: "Total number of autotune lookups that benchmarked candidates",
	})
)
