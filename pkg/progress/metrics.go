package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "feedcrawl_progress_subscribers",
	Help: "The number of connected progress subscribers",
})

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_progress_events_published_total",
	Help: "The number of progress events published",
}, []string{"type"})

var eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedcrawl_progress_events_dropped_total",
	Help: "The number of progress events dropped for slow subscribers",
})
