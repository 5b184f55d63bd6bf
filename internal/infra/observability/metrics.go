package observability

import (
	"time"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	transactions      *prometheus.CounterVec
	accountsCreated   *prometheus.CounterVec
	storeRetries      *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Debit and credit requests by outcome.",
			},
			[]string{"direction", "result"},
		),
		accountsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_accounts_created_total",
				Help: "Account creation attempts by outcome.",
			},
			[]string{"result"},
		),
		storeRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_store_retries_total",
				Help: "Atomic units re-run after a storage conflict.",
			},
			[]string{"operation"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordOperationDuration records the duration of an operation.
func (m *Metrics) RecordOperationDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrTransaction counts a debit/credit request. result is "committed" or
// the error kind.
func (m *Metrics) IncrTransaction(isDebit bool, result string) {
	m.transactions.WithLabelValues(direction(isDebit), result).Inc()
}

// IncrAccountCreated counts an account creation attempt.
func (m *Metrics) IncrAccountCreated(result string) {
	m.accountsCreated.WithLabelValues(result).Inc()
}

// IncrStoreRetry counts a conflict-driven retry of an atomic unit.
func (m *Metrics) IncrStoreRetry(operation string) {
	m.storeRetries.WithLabelValues(operation).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// GetLedgerSnapshot returns a snapshot of ledger counters suitable for the
// GET /v1/metrics/ledger endpoint.
func (m *Metrics) GetLedgerSnapshot() *domain.LedgerMetrics {
	debits := getCounterValue(m.transactions, "debit", "committed")
	credits := getCounterValue(m.transactions, "credit", "committed")
	total := sumCounterVec(m.transactions)
	rejected := total - debits - credits

	hits := getCounterValue(m.cacheHits, "owner")
	misses := getCounterValue(m.cacheMisses, "owner")

	rejectionRate := float64(0)
	if total > 0 {
		rejectionRate = rejected / total
	}
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.LedgerMetrics{
		DebitsCommitted:   int64(debits),
		CreditsCommitted:  int64(credits),
		Rejected:          int64(rejected),
		RejectionRate:     rejectionRate,
		AccountsCreated:   int64(getCounterValue(m.accountsCreated, "created")),
		StoreRetries:      int64(sumCounterVec(m.storeRetries)),
		OwnerCacheHitRate: hitRate,
		Period:            "all_time",
	}
}

func direction(isDebit bool) string {
	if isDebit {
		return "debit"
	}
	return "credit"
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumCounterVec adds up every child of a CounterVec.
func sumCounterVec(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	var total float64
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil {
			continue
		}
		if m.Counter != nil && m.Counter.Value != nil {
			total += *m.Counter.Value
		}
	}
	return total
}
