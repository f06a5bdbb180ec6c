package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_store_errors_total",
	Help: "The number of failed store operations",
}, []string{"op"})

var cursorUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_store_cursor_updates_total",
	Help: "The number of cursor advances persisted",
}, []string{"direction"})

var tweetsUpserted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedcrawl_store_tweets_upserted_total",
	Help: "The number of tweet rows affected by upserts",
})

var upsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "feedcrawl_store_upsert_duration_seconds",
	Help:    "The duration of tweet batch upserts",
	Buckets: prometheus.DefBuckets,
})
