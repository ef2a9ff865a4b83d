package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ListCacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "customer_list_cache_requests_total",
			Help: "Customer list cache lookups by outcome state",
		},
		[]string{"state"}, // fresh, stale_serving, miss, expired
	)
	ListCacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "customer_list_cache_refreshes_total",
			Help: "Background list refreshes by result",
		},
		[]string{"result"}, // ok, failed, discarded
	)
	PartialUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "customer_partial_updates_total",
			Help: "Updates that skipped fields missing from the schema variant",
		},
	)
	ListFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "customer_list_fetch_duration_seconds",
			Help:    "Duration of customer list fetches against the store",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)

func InitMetrics() {
	for _, c := range []prometheus.Collector{
		ListCacheRequests, ListCacheRefreshes, PartialUpdates, ListFetchDuration,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msg("Failed to register metric")
		}
	}
}
