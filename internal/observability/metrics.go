package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// IngestRowsTotal counts rows written to the store.
	IngestRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symbol_ingest_rows_total",
			Help: "Total symbol rows inserted into the vector store",
		},
	)

	// IngestBatchesTotal counts insert batches by result (success, failure).
	IngestBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symbol_ingest_batches_total",
			Help: "Total insert batches by result",
		},
		[]string{"result"},
	)

	// SearchDuration observes store search latency in seconds.
	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symbol_search_duration_seconds",
			Help:    "Latency of vector store searches",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// SearchHits observes how many hits a search returned.
	SearchHits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symbol_search_hits",
			Help:    "Number of hits returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// RerankRequestsTotal counts rerank calls by result.
	RerankRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symbol_rerank_requests_total",
			Help: "Total rerank requests by result",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts HTTP requests served, by route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symbol_http_requests_total",
			Help: "Total HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestRowsTotal,
		IngestBatchesTotal,
		SearchDuration,
		SearchHits,
		RerankRequestsTotal,
		HTTPRequestsTotal,
	)
}
