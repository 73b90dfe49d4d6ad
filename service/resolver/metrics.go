package resolver

import (
	"context"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"time"
)

var (
	metricCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_relay_cache_lookups_total",
			Help: "Relay target cache lookups.",
		},
		[]string{
			"result", // hit, miss
		},
	)
	metricCacheEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_relay_cache_evicted_total",
			Help: "Expired relay target cache entries removed by the background sweep.",
		},
	)
)

// RunCacheSweep evicts the expired relay targets every interval until the context is done.
func RunCacheSweep(ctx context.Context, c cache.Cache[string, []model.RelayTarget], interval time.Duration) {
	cache.RunSweep(ctx, c, interval, func(n int) {
		metricCacheEvicted.Add(float64(n))
	})
}
