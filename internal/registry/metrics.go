package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts loan lifecycle outcomes.
type Metrics struct {
	LoansOpened   prometheus.Counter
	LoansSettled  prometheus.Counter
	LoansRejected prometheus.Counter
	LoansExpired  prometheus.Counter
	FeesCollected *prometheus.CounterVec
}

// NewMetrics creates and registers the loan counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoansOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashpool",
			Name:      "loans_opened_total",
			Help:      "Loans that acquired a treasury reservation.",
		}),
		LoansSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashpool",
			Name:      "loans_settled_total",
			Help:      "Loans repaid and settled against the pool.",
		}),
		LoansRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashpool",
			Name:      "loans_rejected_total",
			Help:      "Loans rejected for repayment shortfall.",
		}),
		LoansExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashpool",
			Name:      "loans_expired_total",
			Help:      "Reservations released after passing their deadline.",
		}),
		FeesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashpool",
			Name:      "fees_collected_total",
			Help:      "Total fees collected, labelled by repayment asset.",
		}, []string{"asset"}),
	}
	if reg != nil {
		reg.MustRegister(m.LoansOpened, m.LoansSettled, m.LoansRejected, m.LoansExpired, m.FeesCollected)
	}
	return m
}
