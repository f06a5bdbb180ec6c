package parq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedcrawl_parquet_records_enqueued_total",
	Help: "The number of tweets queued for the parquet archive",
})

var recordsWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedcrawl_parquet_records_written_total",
	Help: "The number of tweets written to parquet files",
})

var filesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedcrawl_parquet_files_written_total",
	Help: "The number of parquet files written",
})
