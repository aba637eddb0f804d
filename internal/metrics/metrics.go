// Package metrics holds the relay's Prometheus collectors, registered on the
// default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "windtwin"

var (
	// EventsReceived counts ingestion events by source (http, nats) and
	// outcome (routed, dropped).
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "events_received_total",
		Help:      "Ingestion events received by the relay",
	}, []string{"source", "outcome"})

	// BroadcastsPublished counts hub broadcasts by target.
	BroadcastsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "broadcasts_total",
		Help:      "Messages published to hub clients",
	}, []string{"target"})

	// HubClients is the number of connected hub clients.
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "clients",
		Help:      "Connected hub clients",
	})

	// SlowClientsDropped counts clients removed because their send buffer
	// was full.
	SlowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "slow_clients_dropped_total",
		Help:      "Hub clients dropped for not keeping up",
	})

	// ResyncReads counts twin alert reads made by the resyncer by outcome.
	ResyncReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resync",
		Name:      "twin_reads_total",
		Help:      "Twin alert reads made while resynchronising viewers",
	}, []string{"outcome"})

	// RequestDuration measures HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route", "status"})
)
