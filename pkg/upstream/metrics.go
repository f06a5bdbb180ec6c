package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_upstream_requests_total",
	Help: "The number of upstream page requests by direction and status",
}, []string{"direction", "status"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedcrawl_upstream_request_duration_seconds",
	Help:    "The duration of upstream page requests",
	Buckets: prometheus.DefBuckets,
}, []string{"direction"})

var recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_upstream_records_dropped_total",
	Help: "The number of upstream records that could not be normalized",
}, []string{"reason"})
