package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RasterCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_raster_cache_hits_total",
		Help: "Total number of decoded tile cache hits",
	})

	ByteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_byte_cache_hits_total",
		Help: "Total number of encoded tile cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_misses_total",
		Help: "Total number of tile requests that missed both cache tiers",
	})

	OriginFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_origin_fetches_total",
		Help: "Total number of origin tile fetches by outcome",
	}, []string{"outcome"})

	OriginLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tile_origin_latency_seconds",
		Help:    "Latency of origin tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_decode_failures_total",
		Help: "Total number of tiles that failed to decode or validate",
	})

	Placeholders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_placeholders_total",
		Help: "Total number of placeholder tiles substituted for unusable origin data",
	})

	AssembledTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_assembled_total",
		Help: "Total number of composite tile requests by result",
	}, []string{"result"})

	CoordinatorPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_coordinator_pending",
		Help: "Number of fetch tasks waiting for a worker",
	})

	CoordinatorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_coordinator_running",
		Help: "Number of fetch tasks currently running",
	})
)
