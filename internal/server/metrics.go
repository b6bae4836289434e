package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry                *prometheus.Registry
	ordersTotal             *prometheus.CounterVec
	intentsTotal            *prometheus.CounterVec
	fiatEventsTotal         *prometheus.CounterVec
	chainConfirmationsTotal *prometheus.CounterVec
	webhookRejectionsTotal  prometheus.Counter
}

func newMetricsRegistry() *metricsRegistry {
	orders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowledger_orders_total",
		Help: "Order lifecycle actions processed",
	}, []string{"action"})

	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowledger_intents_total",
		Help: "Settlement intents created, by type and rail",
	}, []string{"type", "rail"})

	fiatEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowledger_fiat_events_total",
		Help: "Processor webhook events handled, by outcome",
	}, []string{"outcome"})

	chainConfs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowledger_chain_confirmations_total",
		Help: "Chain confirmation notifications handled, by outcome",
	}, []string{"outcome"})

	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowledger_webhook_rejections_total",
		Help: "Webhook payloads rejected before processing",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(orders, intents, fiatEvents, chainConfs, rejections)

	return &metricsRegistry{
		registry:                r,
		ordersTotal:             orders,
		intentsTotal:            intents,
		fiatEventsTotal:         fiatEvents,
		chainConfirmationsTotal: chainConfs,
		webhookRejectionsTotal:  rejections,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOrder(action string) {
	m.ordersTotal.WithLabelValues(action).Inc()
}

func (m *metricsRegistry) incIntent(typ, rail string) {
	m.intentsTotal.WithLabelValues(typ, rail).Inc()
}

func (m *metricsRegistry) incFiatEvent(outcome string) {
	m.fiatEventsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incChainConfirmation(outcome string) {
	m.chainConfirmationsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incRejection() {
	m.webhookRejectionsTotal.Inc()
}
