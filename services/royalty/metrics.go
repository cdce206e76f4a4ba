package royalty

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	metricsReg  *Metrics
)

// Metrics wraps the collectors tracking the distribution engine.
type Metrics struct {
	plans           *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	paidAmount      *prometheus.CounterVec
	leaseBusy       prometheus.Counter
	inflight        prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMiss       prometheus.Counter
}

// RoyaltyMetrics returns the process-wide collectors, registering them on
// first use.
func RoyaltyMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsReg = &Metrics{
			plans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "royalty",
				Subsystem: "plan",
				Name:      "transitions_total",
				Help:      "Plan status transitions segmented by resulting status.",
			}, []string{"status"}),
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "royalty",
				Subsystem: "payout",
				Name:      "attempts_total",
				Help:      "Transfer attempts segmented by outcome and error kind.",
			}, []string{"outcome", "error_kind"}),
			attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "royalty",
				Subsystem: "payout",
				Name:      "attempt_duration_seconds",
				Help:      "Latency of transfer calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			paidAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "royalty",
				Subsystem: "payout",
				Name:      "paid_minor_units_total",
				Help:      "Amount paid out in currency minor units, by beneficiary role.",
			}, []string{"currency", "role"}),
			leaseBusy: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "royalty",
				Subsystem: "dispatch",
				Name:      "lease_busy_total",
				Help:      "Dispatches rejected because another worker held the plan lease.",
			}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "royalty",
				Subsystem: "dispatch",
				Name:      "inflight",
				Help:      "Plans currently being dispatched by this process.",
			}),
			cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "royalty",
				Subsystem: "resolver",
				Name:      "cache_hits_total",
			}),
			cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "royalty",
				Subsystem: "resolver",
				Name:      "cache_miss_total",
			}),
		}
		prometheus.MustRegister(
			metricsReg.plans,
			metricsReg.attempts,
			metricsReg.attemptDuration,
			metricsReg.paidAmount,
			metricsReg.leaseBusy,
			metricsReg.inflight,
			metricsReg.cacheHits,
			metricsReg.cacheMiss,
		)
	})
	return metricsReg
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMiss.Inc()
}

func (m *Metrics) LeaseBusy() {
	if m == nil {
		return
	}
	m.leaseBusy.Inc()
}

func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) DispatchFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) ObserveAttempt(outcome AttemptOutcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(outcome), kind).Inc()
	m.attemptDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

// metricsObserver feeds plan and payout events into the collectors.
type metricsObserver struct {
	m *Metrics
}

func NewMetricsObserver(m *Metrics) Observer {
	return &metricsObserver{m: m}
}

func (o *metricsObserver) OnPlan(e PlanEvent) {
	o.m.plans.WithLabelValues(string(e.Status)).Inc()
}

func (o *metricsObserver) OnPayout(e PayoutEvent) {
	if e.Status == PayoutStatusSucceeded && e.Amount > 0 {
		o.m.paidAmount.WithLabelValues(e.Currency, string(e.Role)).Add(float64(e.Amount))
	}
}
