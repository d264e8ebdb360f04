package mqtt_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/mqtt"
	"github.com/aminovpavel/meshlink/internal/notify"
	"github.com/aminovpavel/meshlink/internal/observability"
)

type published struct {
	topic   string
	payload []byte
}

type stubPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *stubPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (p *stubPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func waitFor(t *testing.T, pub *stubPublisher, n int) []published {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if msgs := pub.messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d published messages, got %d", n, len(pub.messages()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUplinkPublishesEvents(t *testing.T) {
	pub := &stubPublisher{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	uplink := mqtt.NewUplink(pub, "meshlink/home",
		mqtt.WithUplinkLogger(observability.NoOpLogger()),
		mqtt.WithUplinkNow(func() time.Time { return now }),
	)
	var _ notify.Listener = uplink

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)

	uplink.ConnectionChanged(mesh.Connected)
	uplink.NodeChanged(mesh.NodeInfo{Num: 0x14, User: &mesh.User{ID: "!00000014", LongName: "peer"}})
	uplink.DataReceived(mesh.DataPacket{From: "!00000014", To: mesh.IDBroadcast, Port: mesh.PortText, Payload: []byte("hi"), ID: 7, Status: mesh.StatusReceived})
	uplink.MessageStatusChanged(9, mesh.StatusDelivered)

	msgs := waitFor(t, pub, 4)
	wantTopics := []string{"meshlink/home/connection", "meshlink/home/node", "meshlink/home/data", "meshlink/home/status"}
	for i, topic := range wantTopics {
		if msgs[i].topic != topic {
			t.Fatalf("message %d topic = %q, want %q", i, msgs[i].topic, topic)
		}
	}

	var conn struct {
		State string    `json:"state"`
		Time  time.Time `json:"time"`
	}
	if err := json.Unmarshal(msgs[0].payload, &conn); err != nil {
		t.Fatalf("decode connection: %v", err)
	}
	if conn.State != "CONNECTED" || !conn.Time.Equal(now) {
		t.Fatalf("unexpected connection event %+v", conn)
	}

	var node struct {
		ID   string `json:"id"`
		Num  uint32 `json:"num"`
		User struct {
			LongName string `json:"long_name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(msgs[1].payload, &node); err != nil {
		t.Fatalf("decode node: %v", err)
	}
	if node.ID != "!00000014" || node.Num != 0x14 || node.User.LongName != "peer" {
		t.Fatalf("unexpected node event %+v", node)
	}

	var data mesh.DataPacket
	if err := json.Unmarshal(msgs[2].payload, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Text() != "hi" || data.Status != mesh.StatusReceived {
		t.Fatalf("unexpected data event %+v", data)
	}

	var status struct {
		ID     uint32 `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msgs[3].payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ID != 9 || status.Status != "DELIVERED" {
		t.Fatalf("unexpected status event %+v", status)
	}
}

func TestUplinkDropsWhenQueueFull(t *testing.T) {
	pub := &stubPublisher{}
	uplink := mqtt.NewUplink(pub, "meshlink",
		mqtt.WithUplinkLogger(observability.NoOpLogger()),
		mqtt.WithQueueDepth(2),
	)

	for i := 0; i < 5; i++ {
		uplink.MessageStatusChanged(uint32(i+1), mesh.StatusEnroute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)

	msgs := waitFor(t, pub, 2)
	time.Sleep(20 * time.Millisecond)
	if got := len(pub.messages()); got != 2 {
		t.Fatalf("expected 2 published messages, got %d", got)
	}
	if msgs[0].topic != "meshlink/status" {
		t.Fatalf("unexpected topic %q", msgs[0].topic)
	}
}

func TestUplinkSurvivesPublishErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	uplink := mqtt.NewUplink(pub, "meshlink", mqtt.WithUplinkLogger(observability.NoOpLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- uplink.Run(ctx) }()

	uplink.ConnectionChanged(mesh.DeviceSleep)
	time.Sleep(20 * time.Millisecond)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	uplink.ConnectionChanged(mesh.Connected)
	waitFor(t, pub, 1)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
