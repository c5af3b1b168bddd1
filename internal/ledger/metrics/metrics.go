package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics provides observability for the ledger module.
// Tracks operation outcomes, withdrawal/payout paths and event delivery.
type Metrics struct {
	Operations         *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	DonatedAmount      prometheus.Counter
	WithdrawnAmount    prometheus.Counter
	PayoutFailures     prometheus.Counter
	Compensations      prometheus.Counter
	UnrecordedPayouts  prometheus.Counter
	EventPublishErrors *prometheus.CounterVec
	CustodialBalance   prometheus.Gauge
}

// New registers the ledger metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "impactledger_operations_total",
			Help: "Ledger operations by name and result code",
		}, []string{"operation", "code"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "impactledger_operation_duration_seconds",
			Help:    "Duration of mutating ledger operations, including payout calls",
			Buckets: durationBuckets,
		}, []string{"operation"}),
		DonatedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "impactledger_donated_amount_total",
			Help: "Sum of recorded donation amounts in base units",
		}),
		WithdrawnAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "impactledger_withdrawn_amount_total",
			Help: "Sum of completed withdrawal amounts in base units",
		}),
		PayoutFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "impactledger_payout_failures_total",
			Help: "Payout calls that returned an error",
		}),
		Compensations: f.NewCounter(prometheus.CounterOpts{
			Name: "impactledger_withdrawal_compensations_total",
			Help: "Debits reversed after a failed payout",
		}),
		UnrecordedPayouts: f.NewCounter(prometheus.CounterOpts{
			Name: "impactledger_unrecorded_payouts_total",
			Help: "Payouts that completed but whose withdrawal debit failed to commit; each needs reconciliation",
		}),
		EventPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "impactledger_event_publish_errors_total",
			Help: "Events that could not be handed to a publisher",
		}, []string{"type"}),
		CustodialBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "impactledger_custodial_balance",
			Help: "Last observed custodial balance in base units",
		}),
	}
}

// IncrementOperation records the outcome of an operation. code is "ok" on success.
func (m *Metrics) IncrementOperation(operation, code string) {
	m.Operations.WithLabelValues(operation, code).Inc()
}

// ObserveOperation records the duration of an operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddDonated(amount float64) {
	m.DonatedAmount.Add(amount)
}

func (m *Metrics) AddWithdrawn(amount float64) {
	m.WithdrawnAmount.Add(amount)
}

func (m *Metrics) IncrementPayoutFailure() {
	m.PayoutFailures.Inc()
}

func (m *Metrics) IncrementCompensation() {
	m.Compensations.Inc()
}

func (m *Metrics) IncrementUnrecordedPayout() {
	m.UnrecordedPayouts.Inc()
}

func (m *Metrics) IncrementPublishError(eventType string) {
	m.EventPublishErrors.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetCustodialBalance(amount float64) {
	m.CustodialBalance.Set(amount)
}
