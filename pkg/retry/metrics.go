package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedcrawl_retries_total",
	Help: "The number of retried attempts, by error kind",
}, []string{"kind"})
