// Copyright (c) 2025 The FileZap developers

package node

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "chunknet"
	metricsSubsystem = "node"
)

type metrics struct {
	framesReceived *prometheus.CounterVec
	bytesReceived  prometheus.Counter
	duplicates     prometheus.Counter
	unmatched      prometheus.Counter
	timeouts       prometheus.Counter
	peers          prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "frames_received_total",
			Help:      "Frames read from peers, by message kind.",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "received_bytes_total",
			Help:      "Header and payload bytes read from peers.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duplicates_dropped_total",
			Help:      "Requests and broadcasts dropped because their id was already processed.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "unmatched_responses_total",
			Help:      "Responses discarded because no request was waiting for them.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_timeouts_total",
			Help:      "Requests that received no response in time.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "peers",
			Help:      "Registered connections.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.framesReceived, m.bytesReceived, m.duplicates,
		m.unmatched, m.timeouts, m.peers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
