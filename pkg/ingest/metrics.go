package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_ingest_operations_total",
	Help: "The number of ingestion operations by terminal reason",
}, []string{"operation", "reason"})
