package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Edge runtime metrics, exported by the agent.
var (
	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_edge_buffer_depth",
			Help: "Number of telemetry points waiting in the local buffer",
		},
	)
	BufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_edge_buffer_bytes",
			Help: "Payload bytes held in the local buffer",
		},
	)
	BufferEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_edge_buffer_evictions_total",
			Help: "Oldest-first evictions caused by the byte quota or disk pressure",
		},
	)
	EdgeFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_edge_flush_total",
			Help: "Buffer flush attempts by outcome",
		},
		[]string{"outcome"},
	)
)
