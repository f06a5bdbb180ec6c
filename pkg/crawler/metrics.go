package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_crawler_pages_total",
	Help: "The number of upstream pages fetched",
}, []string{"direction"})

var tweetsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_crawler_tweets_fetched_total",
	Help: "The number of raw records returned by the upstream",
}, []string{"direction"})

var tweetsStored = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_crawler_tweets_stored_total",
	Help: "The number of tweet rows written",
}, []string{"direction"})

var duplicatesSeen = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_crawler_duplicates_total",
	Help: "The number of fetched tweets that were already stored",
}, []string{"direction"})

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_crawler_runs_total",
	Help: "The number of crawl runs by terminal reason",
}, []string{"direction", "reason"})

var runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedcrawl_crawler_run_duration_seconds",
	Help:    "The duration of crawl runs",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
}, []string{"direction"})

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_crawler_rejected_total",
	Help: "The number of requests rejected by the cooldown guard",
}, []string{"direction", "reason"})

var sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_crawler_sink_errors_total",
	Help: "The number of failed sink writes",
}, []string{"sink"})
