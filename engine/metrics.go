package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine operations. A nil *Metrics records nothing.
type Metrics struct {
	mutations      *prometheus.CounterVec
	balanceReads   *prometheus.CounterVec
	payrollInvalid *prometheus.CounterVec
}

// NewMetrics registers the engine counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_mutations_total",
		Help: "Mutations applied to the transaction store by entity kind and action.",
	}, []string{"kind", "action"})
	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_balance_reads_total",
		Help: "Balance folds computed by counter-party kind.",
	}, []string{"kind"})
	invalid := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payroll_invalid_total",
		Help: "Payroll calculations forced to neutral, by reason.",
	}, []string{"reason"})
	reg.MustRegister(mutations, reads, invalid)
	return &Metrics{mutations: mutations, balanceReads: reads, payrollInvalid: invalid}
}

func (m *Metrics) mutation(kind, action string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) balanceRead(kind string) {
	if m == nil {
		return
	}
	m.balanceReads.WithLabelValues(kind).Inc()
}

func (m *Metrics) invalidPayroll(reason string) {
	if m == nil {
		return
	}
	m.payrollInvalid.WithLabelValues(reason).Inc()
}
