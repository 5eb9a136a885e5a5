package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vault_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vault_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerDeposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "deposits_total",
			Help:      "Total number of committed deposits.",
		},
		[]string{"vault_id"},
	)

	ledgerDepositVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "deposit_volume_units",
			Help:      "Cumulative deposited amount in smallest currency units.",
		},
		[]string{"vault_id"},
	)

	ledgerWithdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "withdrawals_total",
			Help:      "Total number of committed withdrawals.",
		},
		[]string{"vault_id"},
	)

	ledgerWithdrawalVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "withdrawal_volume_units",
			Help:      "Cumulative withdrawn amount in smallest currency units.",
		},
		[]string{"vault_id"},
	)

	yieldPaid = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "yield_paid_units",
			Help:      "Cumulative yield paid out in smallest currency units.",
		},
		[]string{"vault_id"},
	)

	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "emergency_sweeps_total",
			Help:      "Total number of emergency withdrawals executed.",
		},
		[]string{"vault_id"},
	)

	sweepVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "emergency_sweep_volume_units",
			Help:      "Cumulative swept amount in smallest currency units.",
		},
		[]string{"vault_id"},
	)

	invariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "ledger",
			Name:      "invariant_violations_total",
			Help:      "Total number of detected ledger invariant violations.",
		},
		[]string{"vault_id"},
	)

	strategyExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "strategies",
			Name:      "executions_total",
			Help:      "Total number of strategy executions recorded.",
		},
		[]string{"vault_id", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerDeposits,
		ledgerDepositVolume,
		ledgerWithdrawals,
		ledgerWithdrawalVolume,
		yieldPaid,
		sweeps,
		sweepVolume,
		invariantViolations,
		strategyExecutions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordDeposit records a committed deposit.
func RecordDeposit(vaultID string, amount uint64) {
	ledgerDeposits.WithLabelValues(vaultID).Inc()
	ledgerDepositVolume.WithLabelValues(vaultID).Add(float64(amount))
}

// RecordWithdrawal records a committed withdrawal.
func RecordWithdrawal(vaultID string, amount uint64) {
	ledgerWithdrawals.WithLabelValues(vaultID).Inc()
	ledgerWithdrawalVolume.WithLabelValues(vaultID).Add(float64(amount))
}

// RecordYieldPaid records a paid-out yield claim.
func RecordYieldPaid(vaultID string, amount uint64) {
	yieldPaid.WithLabelValues(vaultID).Add(float64(amount))
}

// RecordSweep records an emergency withdrawal.
func RecordSweep(vaultID string, amount uint64) {
	sweeps.WithLabelValues(vaultID).Inc()
	sweepVolume.WithLabelValues(vaultID).Add(float64(amount))
}

// RecordInvariantViolation records a detected accounting inconsistency.
func RecordInvariantViolation(vaultID string) {
	invariantViolations.WithLabelValues(vaultID).Inc()
}

// RecordStrategyExecution records a strategy run by PnL outcome.
func RecordStrategyExecution(vaultID string, pnlDeltaBps int64) {
	outcome := "flat"
	switch {
	case pnlDeltaBps > 0:
		outcome = "gain"
	case pnlDeltaBps < 0:
		outcome = "loss"
	}
	strategyExecutions.WithLabelValues(vaultID, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "vaults" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/vaults"
	}
	if len(parts) == 2 {
		return "/vaults/:vault"
	}
	return "/vaults/" + parts[2]
}
