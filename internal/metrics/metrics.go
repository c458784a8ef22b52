package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	EventsIngested  *prometheus.CounterVec
	ContentBlobs    *prometheus.CounterVec
	CostUSD         *prometheus.CounterVec
	BatcherFlushes  *prometheus.CounterVec
	BatcherDropped  prometheus.Counter
	Validations     *prometheus.CounterVec
	AlertsFired     *prometheus.CounterVec
	WebhookFailures prometheus.Counter
	FanoutSessions  prometheus.Gauge
	FanoutEmits     *prometheus.CounterVec
	RateLimited     prometheus.Counter
	ReplaysServed   prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_requests_total",
			Help: "Total HTTP requests served by the control API",
		}, []string{"route", "method", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hive_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"route", "method"}),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_events_ingested_total",
			Help: "LLM events accepted or rejected by the normalizer",
		}, []string{"outcome"}),
		ContentBlobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_content_blobs_total",
			Help: "Content blobs written to the cold store",
		}, []string{"outcome"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_cost_usd_total",
			Help: "Observed USD spend by model",
		}, []string{"model", "provider"}),
		BatcherFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_batcher_flushes_total",
			Help: "Event batch flushes by reason",
		}, []string{"reason"}),
		BatcherDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_batcher_dropped_total",
			Help: "Event summaries dropped by the overflow policy",
		}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_budget_validations_total",
			Help: "Budget validation decisions by action",
		}, []string{"action"}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_alerts_fired_total",
			Help: "Budget alerts dispatched by channel",
		}, []string{"channel"}),
		WebhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_webhook_failures_total",
			Help: "Webhook deliveries that failed or returned non-2xx",
		}),
		FanoutSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_fanout_sessions",
			Help: "Connected WebSocket sessions",
		}),
		FanoutEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_fanout_emits_total",
			Help: "Messages emitted to fan-out rooms",
		}, []string{"room_kind"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_ingest_rate_limited_total",
			Help: "Ingest batches refused by the per-team rate limiter",
		}),
		ReplaysServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_idempotent_replays_total",
			Help: "Mutation responses served from the idempotency cache",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.EventsIngested, m.ContentBlobs,
		m.CostUSD, m.BatcherFlushes, m.BatcherDropped, m.Validations,
		m.AlertsFired, m.WebhookFailures, m.FanoutSessions, m.FanoutEmits,
		m.RateLimited, m.ReplaysServed,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
