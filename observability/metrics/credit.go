package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	nativecommon "credx/native/common"
)

type CreditMetrics struct {
	operations   *prometheus.CounterVec
	minted       prometheus.Counter
	burned       prometheus.Counter
	keeperRuns   *prometheus.CounterVec
	keeperRepaid prometheus.Counter
	httpRequests *prometheus.CounterVec
}

var (
	creditOnce     sync.Once
	creditRegistry *CreditMetrics
)

func Credit() *CreditMetrics {
	creditOnce.Do(func() {
		creditRegistry = &CreditMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "credit_operations_total",
				Help: "Count of credit engine operations by operation and result code.",
			}, []string{"operation", "result"}),
			minted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "credit_minted_total",
				Help: "Credit asset units minted by Borrow.",
			}),
			burned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "credit_burned_total",
				Help: "Credit asset units burned by AutoRepay and Withdraw.",
			}),
			keeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "credit_keeper_loans_total",
				Help: "Loans visited by the AutoRepay keeper by outcome.",
			}, []string{"outcome"}),
			keeperRepaid: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "credit_keeper_repaid_total",
				Help: "Credit asset units repaid by keeper-triggered AutoRepay.",
			}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "credit_http_requests_total",
				Help: "HTTP requests served by route and status class.",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			creditRegistry.operations,
			creditRegistry.minted,
			creditRegistry.burned,
			creditRegistry.keeperRuns,
			creditRegistry.keeperRepaid,
			creditRegistry.httpRequests,
		)
	})
	return creditRegistry
}

// ObserveOperation records the outcome of one engine operation. Successful
// calls are labelled "ok"; failures use their stable error code.
func (m *CreditMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (m *CreditMetrics) AddMinted(amount uint64) {
	if m == nil {
		return
	}
	m.minted.Add(float64(amount))
}

func (m *CreditMetrics) AddBurned(amount uint64) {
	if m == nil {
		return
	}
	m.burned.Add(float64(amount))
}

func (m *CreditMetrics) ObserveKeeperLoan(outcome string, repaid uint64) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.keeperRuns.WithLabelValues(outcome).Inc()
	if repaid > 0 {
		m.keeperRepaid.Add(float64(repaid))
	}
}

func (m *CreditMetrics) ObserveHTTPRequest(route, status string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := nativecommon.CodeOf(err); code != "" {
		return code
	}
	return "internal"
}
