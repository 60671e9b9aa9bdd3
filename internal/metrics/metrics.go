// Package metrics provides Prometheus instrumentation for the chat core.
// It exposes counters for message and event throughput, gauges for outbox
// and job backlog, and histograms for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesSentTotal counts persisted messages, labeled by outcome:
	// "ok", "denied", "invalid", "error".
	MessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_sent_total",
		Help: "Total number of send requests processed",
	}, []string{"outcome"})

	// SendLatency records end-to-end send latency (gate + persist) in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_send_latency_seconds",
		Help:    "Send request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EventsPublishedTotal counts events delivered to the transport,
	// labeled by channel kind: "room", "global", "typing".
	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_events_published_total",
		Help: "Total number of outbox events published",
	}, []string{"channel"})

	// PublishFailuresTotal counts failed publish attempts, labeled by
	// reason: "transport", "abandoned".
	PublishFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_publish_failures_total",
		Help: "Total number of failed outbox publish attempts",
	}, []string{"reason"})

	// OutboxPending tracks the number of unpublished outbox rows observed
	// on the most recent drain pass.
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_outbox_pending",
		Help: "Unpublished outbox events at the last drain pass",
	})

	// TypingEventsTotal counts typing presence broadcasts, labeled by
	// outcome: "ok", "limited", "error".
	TypingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_typing_events_total",
		Help: "Total number of typing presence broadcasts",
	}, []string{"outcome"})

	// HistoryQueriesTotal counts history reads, labeled by outcome:
	// "ok", "denied", "error".
	HistoryQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_history_queries_total",
		Help: "Total number of room history queries",
	}, []string{"outcome"})

	// JobsProcessedTotal counts background jobs, labeled by kind and
	// outcome ("ok", "error", "dropped").
	JobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_jobs_processed_total",
		Help: "Total number of background jobs processed",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(
		MessagesSentTotal,
		SendLatency,
		EventsPublishedTotal,
		PublishFailuresTotal,
		OutboxPending,
		TypingEventsTotal,
		HistoryQueriesTotal,
		JobsProcessedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
