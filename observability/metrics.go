package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "deed",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or "replay".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks the settlement engine.
type EscrowMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	settlements   prometheus.Counter
	cancellations *prometheus.CounterVec
	custody       prometheus.Gauge
}

// Escrow returns the singleton metrics registry for the escrow engine.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "deed",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			settlements: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "escrow",
				Name:      "settlements_total",
				Help:      "Listings settled through finalize.",
			}),
			cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "escrow",
				Name:      "cancellations_total",
				Help:      "Listings cancelled segmented by initiator and inspection result.",
			}, []string{"initiator", "inspection"}),
			custody: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "deed",
				Subsystem: "escrow",
				Name:      "custody_balance",
				Help:      "Funds currently held by the escrow vault.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.settlements,
			escrowRegistry.cancellations,
			escrowRegistry.custody,
		)
	})
	return escrowRegistry
}

// Observe records an escrow operation. Failures are labelled with the error
// kind supplied by the caller.
func (m *EscrowMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "success"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSettlement counts a finalized listing.
func (m *EscrowMetrics) RecordSettlement() {
	if m == nil {
		return
	}
	m.settlements.Inc()
}

// RecordCancellation counts a cancelled listing.
func (m *EscrowMetrics) RecordCancellation(initiator string, inspectionPassed bool) {
	if m == nil {
		return
	}
	if initiator == "" {
		initiator = "unknown"
	}
	inspection := "failed"
	if inspectionPassed {
		inspection = "passed"
	}
	m.cancellations.WithLabelValues(initiator, inspection).Inc()
}

// SetCustody publishes the vault balance.
func (m *EscrowMetrics) SetCustody(balance *big.Int) {
	if m == nil {
		return
	}
	m.custody.Set(bigToFloat(balance))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
