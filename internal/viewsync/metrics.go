package viewsync

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"newsview/pkg/newsview"
)

// Metrics groups the engine collectors. One instance can be shared by many
// engines; it is registered once.
type Metrics struct {
	plans         *prometheus.CounterVec
	staleResults  prometheus.Counter
	skippedRefs   prometheus.Counter
	storeFailures prometheus.Counter
	resolveTime   *prometheus.HistogramVec
	cacheEntries  prometheus.Gauge
}

// NewMetrics creates engine collectors and registers them on registerer when
// it is non-nil. Collectors already registered by an earlier call are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsview",
			Name:      "plans_total",
			Help:      "Change batch refresh decisions by plan kind.",
		}, []string{"plan"}),
		staleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsview",
			Name:      "stale_results_total",
			Help:      "Resolution results discarded because a newer job superseded them.",
		}),
		skippedRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsview",
			Name:      "skipped_refs_total",
			Help:      "Membership references skipped because they could not be resolved.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsview",
			Name:      "store_failures_total",
			Help:      "Membership resolutions that failed because the store was unavailable.",
		}),
		resolveTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "newsview",
			Name:      "resolve_seconds",
			Help:      "Membership resolution latency by view kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"view_kind"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "newsview",
			Name:      "cache_entries",
			Help:      "Entries held by the most recently refreshed view cache.",
		}),
	}
	if registerer == nil {
		return metrics, nil
	}

	var err error
	if metrics.plans, err = registerOrReuse(registerer, metrics.plans); err != nil {
		return nil, err
	}
	if metrics.staleResults, err = registerOrReuse(registerer, metrics.staleResults); err != nil {
		return nil, err
	}
	if metrics.skippedRefs, err = registerOrReuse(registerer, metrics.skippedRefs); err != nil {
		return nil, err
	}
	if metrics.storeFailures, err = registerOrReuse(registerer, metrics.storeFailures); err != nil {
		return nil, err
	}
	if metrics.resolveTime, err = registerOrReuse(registerer, metrics.resolveTime); err != nil {
		return nil, err
	}
	if metrics.cacheEntries, err = registerOrReuse(registerer, metrics.cacheEntries); err != nil {
		return nil, err
	}

	return metrics, nil
}

func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}

	var zero C
	return zero, fmt.Errorf("register newsview metrics: %w", err)
}

func (m *Metrics) observePlan(plan newsview.PlanKind) {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(string(plan)).Inc()
}

func (m *Metrics) observeStale() {
	if m == nil {
		return
	}
	m.staleResults.Inc()
}

func (m *Metrics) observeSkippedRef() {
	if m == nil {
		return
	}
	m.skippedRefs.Inc()
}

func (m *Metrics) observeStoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *Metrics) observeResolve(kind newsview.ViewKind, seconds float64) {
	if m == nil {
		return
	}
	m.resolveTime.WithLabelValues(string(kind)).Observe(seconds)
}

func (m *Metrics) observeCacheSize(entries int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
}
