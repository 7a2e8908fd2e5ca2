package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/znz-systems/relaywarm/internal/warmup"
)

// Metrics holds every collector the service exports. It satisfies the
// delivery, warmup and webhook observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	sendAttempts  *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	classDay      *prometheus.GaugeVec
	webhookEvents *prometheus.CounterVec
	rejections    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sendAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywarm_delivery_attempts_total",
				Help: "Relay send attempts by server and result (ok, error).",
			},
			[]string{"server", "result"},
		),
		relayDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaywarm_relay_duration_seconds",
				Help:    "Relay HTTP API call duration.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"server"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywarm_delivery_retries_total",
				Help: "Failed sends by retry outcome (scheduled, exhausted).",
			},
			[]string{"server", "outcome"},
		),
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywarm_warmup_decisions_total",
				Help: "Notable warmup decisions by action.",
			},
			[]string{"action"},
		),
		classDay: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relaywarm_warmup_class_day",
				Help: "Current warmup day per server and recipient class.",
			},
			[]string{"server_id", "class"},
		),
		webhookEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywarm_webhook_events_total",
				Help: "Webhook events by kind, event name and result (processed, dropped).",
			},
			[]string{"kind", "event", "result"},
		),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywarm_webhook_rejections_total",
				Help: "Webhook requests rejected before processing, known reasons: allowlist, ratelimit, signature, badrequest.",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveSend(server string, success bool, latency time.Duration) {
	result := "ok"
	if !success {
		result = "error"
	}
	m.sendAttempts.WithLabelValues(server, result).Inc()
	if latency > 0 {
		m.relayDuration.WithLabelValues(server).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveRetry(server string, terminal bool) {
	outcome := "scheduled"
	if terminal {
		outcome = "exhausted"
	}
	m.retries.WithLabelValues(server, outcome).Inc()
}

func (m *Metrics) OnStatusChange(_ context.Context, change warmup.StatusChange) error {
	m.decisions.WithLabelValues(string(change.Action)).Inc()
	m.classDay.WithLabelValues(strconv.FormatInt(change.ServerID, 10), change.ClassKey).Set(float64(change.NewDay))
	return nil
}

func (m *Metrics) ObserveEvent(kind, name string, dropped bool) {
	result := "processed"
	if dropped {
		result = "dropped"
	}
	m.webhookEvents.WithLabelValues(kind, name, result).Inc()
}

func (m *Metrics) ObserveRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}
