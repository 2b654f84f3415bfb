package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fulfillment"

// FulfillmentMetrics counts line item transitions, refusals, refunds and
// carrier lookups.
type FulfillmentMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	refunds     *prometheus.CounterVec
	refundCents *prometheus.CounterVec
	lookups     *prometheus.CounterVec
}

func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return &FulfillmentMetrics{}
	}
	m := &FulfillmentMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Applied line item status transitions.",
		}, []string{"from", "to", "trigger"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests refused by a business rule.",
		}, []string{"reason"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refunds issued to the payment provider.",
		}, []string{"flow"}),
		refundCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_cents_total",
			Help:      "Refunded amount in minor currency units.",
		}, []string{"flow"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carrier_lookups_total",
			Help:      "Carrier status lookups by leg and result.",
		}, []string{"leg", "result"}),
	}
	reg.MustRegister(m.transitions, m.rejections, m.refunds, m.refundCents, m.lookups)
	return m
}

func (m *FulfillmentMetrics) IncTransition(from, to, trigger string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to), normalizeLabel(trigger)).Inc()
}

func (m *FulfillmentMetrics) IncRejection(reason string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveRefund counts one refund and adds its amount.
func (m *FulfillmentMetrics) ObserveRefund(flow string, amountCents int64) {
	if m == nil || m.refunds == nil {
		return
	}
	m.refunds.WithLabelValues(normalizeLabel(flow)).Inc()
	if amountCents > 0 {
		m.refundCents.WithLabelValues(normalizeLabel(flow)).Add(float64(amountCents))
	}
}

func (m *FulfillmentMetrics) IncLookup(leg, result string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.WithLabelValues(normalizeLabel(leg), normalizeLabel(result)).Inc()
}
