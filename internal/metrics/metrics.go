package metrics

import (
	"net/http"
	"time"

	"chatwatch/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatwatch"

// Message handling results recorded by ObserveMessage.
const (
	MessageProcessed = "processed"
	MessageDuplicate = "duplicate"
	MessageSkipped   = "skipped"
	MessageMuted     = "muted"
	MessageCommand   = "command"
	MessageError     = "error"
)

// Metrics owns the private Prometheus registry for one service instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	messages   *prometheus.CounterVec
	hits       *prometheus.CounterVec
	triggers   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	handle     prometheus.Histogram
	muted      prometheus.Gauge
}

// New creates registry with service collectors plus Go and process collectors.
// Params: none.
// Returns: ready metrics set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound chat messages by handling result.",
		}, []string{"result"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyword_hits_total",
			Help:      "Keyword hits recorded per rule.",
		}, []string{"rule"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Threshold crossings per rule by outcome.",
		}, []string{"rule", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notify action deliveries per transport by result.",
		}, []string{"transport", "result"}),
		handle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handle_seconds",
			Help:      "Time spent handling one inbound message.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		muted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "muted",
			Help:      "1 when alert dispatch is muted.",
		}),
	}
	m.registry.MustRegister(
		m.messages,
		m.hits,
		m.triggers,
		m.deliveries,
		m.handle,
		m.muted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveMessage counts one handled message.
func (m *Metrics) ObserveMessage(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
	m.handle.Observe(took.Seconds())
}

// ObserveHits adds keyword hits for rule.
func (m *Metrics) ObserveHits(rule string, hits int) {
	if m == nil || hits <= 0 {
		return
	}
	m.hits.WithLabelValues(rule).Add(float64(hits))
}

// ObserveTrigger counts one threshold crossing and its outcome.
func (m *Metrics) ObserveTrigger(rule string, outcome domain.Outcome) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(rule, string(outcome)).Inc()
}

// ObserveDelivery counts one notify action result.
func (m *Metrics) ObserveDelivery(transport string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.deliveries.WithLabelValues(transport, result).Inc()
}

// SetMuted mirrors mute flag into gauge.
func (m *Metrics) SetMuted(muted bool) {
	if m == nil {
		return
	}
	if muted {
		m.muted.Set(1)
		return
	}
	m.muted.Set(0)
}
