package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pages_committed_total",
		Help: "Total pages committed to the state store by data source and origin",
	}, []string{"source", "origin"})

	entitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_entities_total",
		Help: "Total entities processed by data source and outcome",
	}, []string{"source", "outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Duration of ingestion runs by data source and status",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
	}, []string{"source", "status"})
)

// Entity outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeAborted   = "aborted"
)
