// Package metrics exposes the Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the engine's collectors. One Set is shared by both
// transports; series are split by the transport label.
type Set struct {
	Registry *prometheus.Registry

	// RoundTripSeconds observes envelope round-trip latency, measured from
	// send to the matching receive via the pending round-trip store.
	RoundTripSeconds *prometheus.HistogramVec

	// HandshakeSeconds observes websocket connect + TLS handshake duration.
	HandshakeSeconds *prometheus.HistogramVec

	// PinningMismatches counts fatal certificate-pin failures.
	PinningMismatches *prometheus.CounterVec

	// Reconnects counts reconnect attempts.
	Reconnects *prometheus.CounterVec

	// QueueDropped counts outbound messages dropped by the retry engine,
	// split by reason ("expired", "retries").
	QueueDropped *prometheus.CounterVec
}

func NewSet() *Set {
	s := &Set{
		Registry: prometheus.NewRegistry(),
		RoundTripSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hyposync_roundtrip_seconds",
			Help:    "Envelope round-trip latency from send to matching receive.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"transport"}),
		HandshakeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hyposync_handshake_seconds",
			Help:    "Connection handshake duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"transport"}),
		PinningMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyposync_pinning_mismatch_total",
			Help: "TLS certificate pin verification failures.",
		}, []string{"transport"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyposync_reconnects_total",
			Help: "Reconnect attempts scheduled after connection loss.",
		}, []string{"transport"}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyposync_queue_dropped_total",
			Help: "Outbound messages dropped by the retry engine.",
		}, []string{"transport", "reason"}),
	}

	s.Registry.MustRegister(
		s.RoundTripSeconds,
		s.HandshakeSeconds,
		s.PinningMismatches,
		s.Reconnects,
		s.QueueDropped,
	)
	return s
}
