// Package metrics defines the Prometheus collectors of the chat delivery process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chat"

// Metrics groups every collector. A nil *Metrics is not valid; tests build
// one over a private registry with New.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesPersisted *prometheus.CounterVec
	PersistRetries    prometheus.Counter
	PublishFailures   prometheus.Counter
	FanoutReceived    *prometheus.CounterVec
	SessionDeliveries prometheus.Counter
	SessionOverflows  prometheus.Counter
	ActiveSessions    prometheus.Gauge
	RateLimited       prometheus.Counter
	RequestsLimited   prometheus.Counter
	CacheRequests     *prometheus.CounterVec
	CacheRebuilds     prometheus.Counter
	RoomEvents        *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		MessagesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_persisted_total",
			Help:      "Messages appended to the message log, by type.",
		}, []string{"type"}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "persist_retries_total",
			Help:      "Message log writes retried after a transient failure.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "publish_failures_total",
			Help:      "Persisted messages whose fanout publish failed.",
		}),
		FanoutReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "received_total",
			Help:      "Deliveries received from the fanout bus, by subscription.",
		}, []string{"subscription"}),
		SessionDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "deliveries_total",
			Help:      "Frames queued to local sessions.",
		}),
		SessionOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "overflows_total",
			Help:      "Sessions disconnected because their outbound queue was full.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Live sessions attached to this process.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rate_limited_total",
			Help:      "Inbound frames rejected by the per-session rate limit.",
		}),
		RequestsLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "REST requests rejected by the per-user sliding window.",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roomcache",
			Name:      "requests_total",
			Help:      "Room list reads, by result (hit, miss, error).",
		}, []string{"result"}),
		CacheRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roomcache",
			Name:      "rebuilds_total",
			Help:      "Cold rebuilds of a user's room list from the directory and log.",
		}),
		RoomEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "events_total",
			Help:      "Room lifecycle events, by kind.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesPersisted,
		m.PersistRetries,
		m.PublishFailures,
		m.FanoutReceived,
		m.SessionDeliveries,
		m.SessionOverflows,
		m.ActiveSessions,
		m.RateLimited,
		m.RequestsLimited,
		m.CacheRequests,
		m.CacheRebuilds,
		m.RoomEvents,
	)
	return m
}
