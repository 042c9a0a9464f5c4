package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the controller's Prometheus collectors.
type Metrics struct {
	generations      *prometheus.CounterVec
	tokenDelta       prometheus.Histogram
	replays          prometheus.Counter
	balanceIncreased prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sermonproxy",
				Name:      "generations_total",
				Help:      "Generation attempts by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		tokenDelta: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sermonproxy",
				Name:      "tokens_used_delta",
				Help:      "Balance delta observed around successful generations.",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
			},
		),
		replays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sermonproxy",
				Name:      "replays_total",
				Help:      "Generations served from the backend idempotency cache.",
			},
		),
		balanceIncreased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sermonproxy",
				Name:      "balance_increased_total",
				Help:      "Generations after which the remaining balance went up.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.generations, m.tokenDelta, m.replays, m.balanceIncreased)
	}
	return m
}

func (m *Metrics) observe(provider string, f *Failure, res *Result) {
	if m == nil {
		return
	}
	if f != nil {
		m.generations.WithLabelValues(provider, f.Kind.String()).Inc()
		return
	}
	m.generations.WithLabelValues(provider, "success").Inc()
	if res.Replay {
		m.replays.Inc()
	}
	if res.TokensUsedDelta != nil {
		m.tokenDelta.Observe(float64(*res.TokensUsedDelta))
	}
	if res.BalanceIncreased {
		m.balanceIncreased.Inc()
	}
}
