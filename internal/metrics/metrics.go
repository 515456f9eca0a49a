package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestionRuns counts ingestion runs by final status
	IngestionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_runs_total",
			Help: "Ingestion runs by final status.",
		},
		[]string{"status"},
	)

	// SourceFailures counts failed source fetches per source
	SourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_source_failures_total",
			Help: "Failed fetches per content source.",
		},
		[]string{"source"},
	)

	// PostsClassified counts normalized posts per media type
	PostsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_posts_classified_total",
			Help: "Posts produced by the classifier per media type.",
		},
		[]string{"type"},
	)

	PostsStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staging_posts_total",
		Help: "Rows written to staging.",
	})

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Duration of stage+reconcile by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// AuthFailures counts rejected logins and requests by reason
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Authentication failures by reason.",
		},
		[]string{"reason"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		},
		[]string{"route", "code"},
	)
)
