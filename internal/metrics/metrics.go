package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exphub_queue_depth",
		Help: "Number of experiments per queue status.",
	}, []string{"status"})

	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exphub_experiments_total",
		Help: "Terminal experiment outcomes.",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exphub_run_duration_seconds",
		Help:    "Wall-clock duration of sandbox runs.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
)

func SetQueueDepth(queued, running, paused int) {
	queueDepth.WithLabelValues("queued").Set(float64(queued))
	queueDepth.WithLabelValues("running").Set(float64(running))
	queueDepth.WithLabelValues("paused").Set(float64(paused))
}

func IncOutcome(outcome string) {
	outcomes.WithLabelValues(outcome).Inc()
}

func ObserveRunDuration(seconds float64) {
	runDuration.Observe(seconds)
}
