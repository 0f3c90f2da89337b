// Package metrics exports coordinator frame lifecycle events to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"txflow/internal/core/tx"
)

// Compile-time check that Metrics implements tx.Recorder.
var _ tx.Recorder = (*Metrics)(nil)

// Metrics holds the transaction collectors.
type Metrics struct {
	// Frames opened (propagation, kind: new/participating/savepoint/none)
	FramesBegun *prometheus.CounterVec

	// Frames resolved (kind, outcome)
	FramesCompleted *prometheus.CounterVec

	// Stack depth at which frames are opened
	FrameDepth prometheus.Histogram
}

// NewWithRegistry creates collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesBegun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "txflow",
				Name:      "frames_begun_total",
				Help:      "Total number of transaction frames opened",
			},
			[]string{"propagation", "kind"},
		),
		FramesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "txflow",
				Name:      "frames_completed_total",
				Help:      "Total number of transaction frames resolved",
			},
			[]string{"kind", "outcome"},
		),
		FrameDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "txflow",
				Name:      "frame_depth",
				Help:      "Frame stack depth at which frames are opened",
				Buckets:   []float64{0, 1, 2, 3, 5, 8},
			},
		),
	}

	reg.MustRegister(
		m.FramesBegun,
		m.FramesCompleted,
		m.FrameDepth,
	)

	return m
}

// FrameBegun implements tx.Recorder.
func (m *Metrics) FrameBegun(p tx.Propagation, kind tx.FrameKind, depth int) {
	m.FramesBegun.WithLabelValues(p.String(), string(kind)).Inc()
	m.FrameDepth.Observe(float64(depth))
}

// FrameCompleted implements tx.Recorder.
func (m *Metrics) FrameCompleted(kind tx.FrameKind, outcome tx.Outcome) {
	m.FramesCompleted.WithLabelValues(string(kind), string(outcome)).Inc()
}
