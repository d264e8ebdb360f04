package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/observability"
)

// Event names appended to the topic prefix.
const (
	EventConnection = "connection"
	EventNode       = "node"
	EventData       = "data"
	EventStatus     = "status"
)

const defaultQueueDepth = 256

// Publisher sends one payload to a topic. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type outbound struct {
	topic   string
	payload []byte
}

// UplinkOption configures an Uplink.
type UplinkOption func(*Uplink)

// WithUplinkLogger sets the logger.
func WithUplinkLogger(logger *slog.Logger) UplinkOption {
	return func(u *Uplink) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithUplinkMetrics attaches metrics instrumentation.
func WithUplinkMetrics(metrics *observability.Metrics) UplinkOption {
	return func(u *Uplink) {
		u.metrics = metrics
	}
}

// WithQueueDepth sets how many events may wait for publishing.
func WithQueueDepth(depth int) UplinkOption {
	return func(u *Uplink) {
		if depth > 0 {
			u.depth = depth
		}
	}
}

// WithUplinkNow replaces the wall clock used to stamp events.
func WithUplinkNow(now func() time.Time) UplinkOption {
	return func(u *Uplink) {
		if now != nil {
			u.now = now
		}
	}
}

// Uplink is a notify.Listener that publishes every session event as JSON.
// Listener callbacks only enqueue; Run performs the publishing. Events that
// do not fit in the queue are dropped.
type Uplink struct {
	pub     Publisher
	topics  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	depth   int
	queue   chan outbound
}

// NewUplink builds an Uplink publishing below prefix.
func NewUplink(pub Publisher, prefix string, opts ...UplinkOption) *Uplink {
	u := &Uplink{
		pub:    pub,
		topics: Config{TopicPrefix: prefix},
		logger: slog.Default(),
		now:    time.Now,
		depth:  defaultQueueDepth,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With(slog.String("component", "mqtt_uplink"))
	u.queue = make(chan outbound, u.depth)
	return u
}

type connectionEvent struct {
	State mesh.ConnectionState `json:"state"`
	Time  time.Time            `json:"time"`
}

type nodeEvent struct {
	ID string `json:"id,omitempty"`
	mesh.NodeInfo
}

type statusEvent struct {
	ID     uint32             `json:"id"`
	Status mesh.MessageStatus `json:"status"`
	Time   time.Time          `json:"time"`
}

func (u *Uplink) ConnectionChanged(state mesh.ConnectionState) {
	u.enqueue(EventConnection, connectionEvent{State: state, Time: u.now().UTC()})
}

func (u *Uplink) NodeChanged(node mesh.NodeInfo) {
	u.enqueue(EventNode, nodeEvent{ID: node.ID(), NodeInfo: node})
}

func (u *Uplink) DataReceived(pkt mesh.DataPacket) {
	u.enqueue(EventData, pkt)
}

func (u *Uplink) MessageStatusChanged(id uint32, status mesh.MessageStatus) {
	u.enqueue(EventStatus, statusEvent{ID: id, Status: status, Time: u.now().UTC()})
}

func (u *Uplink) enqueue(event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		u.metrics.IncPublishErrors()
		u.logger.Warn("encode event failed", slog.String("event", event), slog.Any("error", err))
		return
	}
	select {
	case u.queue <- outbound{topic: u.topics.Topic(event), payload: payload}:
	default:
		u.metrics.IncPublishErrors()
		u.logger.Warn("uplink queue full, dropping event", slog.String("event", event))
	}
}

// Run publishes queued events until ctx is cancelled.
func (u *Uplink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-u.queue:
			if err := u.pub.Publish(msg.topic, msg.payload); err != nil {
				u.metrics.IncPublishErrors()
				u.logger.Warn("publish failed", slog.String("topic", msg.topic), slog.Any("error", err))
			}
		}
	}
}
