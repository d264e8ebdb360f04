package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus metrics exported by the session engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	namespace string

	framesReceived   prometheus.Counter
	decodeErrors     prometheus.Counter
	packetsDropped   *prometheus.CounterVec
	messagesSent     prometheus.Counter
	messageStatus    *prometheus.CounterVec
	offlineQueue     prometheus.Gauge
	sentTable        prometheus.Gauge
	connectionState  prometheus.Gauge
	configSyncs      *prometheus.CounterVec
	earlyOverflow    prometheus.Counter
	nodeCount        prometheus.Gauge
	snapshotErrors   prometheus.Counter
	positionReports  *prometheus.CounterVec
	packetLogQueue   prometheus.Gauge
	packetLogErrors  prometheus.Counter
	packetLogDropped prometheus.Counter
	publishErrors    prometheus.Counter

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: meshlink).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers the session metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "meshlink",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.registry)

	m := &Metrics{
		namespace: cfg.namespace,
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames received from the radio.",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of radio frames that failed to decode.",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped, by reason.",
		}, []string{"reason"}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_sent_total",
			Help:      "Packets handed to the transport.",
		}),
		messageStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "message_status_total",
			Help:      "Outgoing message status transitions.",
		}, []string{"status"}),
		offlineQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "offline_queue_depth",
			Help:      "Messages waiting for a connected radio.",
		}),
		sentTable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "sent_table_size",
			Help:      "Messages awaiting acknowledgement.",
		}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "connection_state",
			Help:      "Radio connection state (0 disconnected, 1 connected, 2 device sleep).",
		}),
		configSyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "config_syncs_total",
			Help:      "Config sync completions, by result.",
		}, []string{"result"}),
		earlyOverflow: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "early_packets_overflow_total",
			Help:      "Packets evicted from the pre-sync buffer.",
		}),
		nodeCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "nodes",
			Help:      "Records in the node database.",
		}),
		snapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "snapshot_errors_total",
			Help:      "Failed snapshot loads or saves.",
		}),
		positionReports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "position_reports_total",
			Help:      "Location samples handled by the position reporter, by outcome.",
		}, []string{"outcome"}),
		packetLogQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "packet_log_queue_depth",
			Help:      "Frames waiting to be written to the packet log.",
		}),
		packetLogErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packet_log_errors_total",
			Help:      "Packet log write failures.",
		}),
		packetLogDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packet_log_dropped_total",
			Help:      "Frames not logged because the queue was full.",
		}),
		publishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "publish_errors_total",
			Help:      "Failed MQTT notification publishes.",
		}),
	}

	m.healthy.Store(true)
	return m
}

// IncFramesReceived counts an inbound radio frame.
func (m *Metrics) IncFramesReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// IncDecodeErrors counts a frame that failed to decode.
func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) IncPacketsDropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncMessagesSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

// ObserveMessageStatus records an outgoing message entering status.
func (m *Metrics) ObserveMessageStatus(status string) {
	if m == nil {
		return
	}
	m.messageStatus.WithLabelValues(status).Inc()
}

// ObserveQueues tracks the offline queue depth and sent table size.
func (m *Metrics) ObserveQueues(offline, sent int) {
	if m == nil {
		return
	}
	m.offlineQueue.Set(float64(offline))
	m.sentTable.Set(float64(sent))
}

func (m *Metrics) ObserveConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// IncConfigSync counts a handshake completion; a failed sync marks the
// service unhealthy until the next successful one.
func (m *Metrics) IncConfigSync(result string) {
	if m == nil {
		return
	}
	m.configSyncs.WithLabelValues(result).Inc()
	switch result {
	case "failed":
		m.healthy.Store(false)
	case "complete":
		m.healthy.Store(true)
	}
}

// IncEarlyOverflow counts a packet evicted from the pre-sync buffer and
// marks the service unhealthy.
func (m *Metrics) IncEarlyOverflow() {
	if m == nil {
		return
	}
	m.earlyOverflow.Inc()
	m.healthy.Store(false)
}

func (m *Metrics) ObserveNodeCount(n int) {
	if m == nil {
		return
	}
	m.nodeCount.Set(float64(n))
}

func (m *Metrics) IncSnapshotErrors() {
	if m == nil {
		return
	}
	m.snapshotErrors.Inc()
}

// IncPositionReport counts a location sample by outcome
// (broadcast, local, discarded, failed).
func (m *Metrics) IncPositionReport(outcome string) {
	if m == nil {
		return
	}
	m.positionReports.WithLabelValues(outcome).Inc()
}

// ObservePacketLogQueue tracks the packet log queue depth.
func (m *Metrics) ObservePacketLogQueue(depth int) {
	if m == nil {
		return
	}
	m.packetLogQueue.Set(float64(depth))
}

// IncPacketLogErrors increments the packet log error counter and marks the service unhealthy.
func (m *Metrics) IncPacketLogErrors() {
	if m == nil {
		return
	}
	m.packetLogErrors.Inc()
	m.healthy.Store(false)
}

func (m *Metrics) IncPacketLogDropped() {
	if m == nil {
		return
	}
	m.packetLogDropped.Inc()
}

func (m *Metrics) IncPublishErrors() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

// Healthy reports whether recent operations have seen errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}
