package authenticator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshbus/peerauth/internal/log"
)

// Outcome labels.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeRefused = "refused"
)

type metrics struct {
	attempts  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	coolDowns *prometheus.CounterVec
	limited   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerauth",
			Name:      "attempts_total",
			Help:      "Authentication attempts by mechanism, role and outcome.",
		}, []string{"mechanism", "role", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peerauth",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of authentication attempts by mechanism.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"mechanism"}),
		coolDowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerauth",
			Name:      "cooldowns_total",
			Help:      "Number of times a mechanism was suspended for a peer after repeated failures.",
		}, []string{"mechanism"}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerauth",
			Name:      "rate_limited_total",
			Help:      "Authentication conversations rejected by the per-peer rate limiter.",
		}),
	}
	if reg != nil {
		m.attempts = register(reg, m.attempts)
		m.duration = register(reg, m.duration)
		m.coolDowns = register(reg, m.coolDowns)
		m.limited = register(reg, m.limited)
	}
	return m
}

// register adds c to reg. If an equivalent collector is already registered, for instance by
// another Authenticator sharing reg, that collector is returned instead.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	log.Warning("could not register metric: %s", err)
	return c
}
