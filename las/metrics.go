package las

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports per-round reducer measurements to Prometheus
type Metrics struct {
	rounds      *prometheus.CounterVec
	duration    prometheus.Histogram
	rank        prometheus.Histogram
	spannerSize prometheus.Gauge
}

// NewMetrics creates the reducer metrics and registers them with reg.
// A nil registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "las",
			Name:      "rounds_total",
			Help:      "Reduced rounds by status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "las",
			Name:      "round_duration_seconds",
			Help:      "Time spent reducing one round.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		rank: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "las",
			Name:      "effective_rank",
			Help:      "Effective rank of the reduced representation.",
			Buckets:   prometheus.LinearBuckets(0, 4, 16),
		}),
		spannerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "las",
			Name:      "spanner_size",
			Help:      "Number of actions in the last spanner.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.rounds, m.duration, m.rank, m.spannerSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(res *Result, elapsed time.Duration) {
	m.rounds.WithLabelValues(res.Status.String()).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.rank.Observe(float64(res.Rank))
	m.spannerSize.Set(float64(len(res.Spanner)))
}
