package session_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/radio"
	"github.com/aminovpavel/meshlink/internal/session"
	"github.com/aminovpavel/meshlink/internal/snapshot"
	"github.com/aminovpavel/meshlink/internal/testutil"
)

func restoredSnapshot() snapshot.Snapshot {
	return snapshot.Snapshot{
		MyInfo: &mesh.LocalNodeInfo{Num: localNum, PacketIDBits: 8, CurrentPacketID: 10},
		Nodes: []mesh.NodeInfo{
			{Num: localNum, User: &mesh.User{ID: testutil.NodeID(localNum), LongName: "local"}},
			{Num: peerNum, User: &mesh.User{ID: testutil.NodeID(peerNum), LongName: "peer"}},
		},
	}
}

func TestOfflineQueueFlushedOnceInOrder(t *testing.T) {
	h := newHarness(t, session.Config{}, restoredSnapshot())

	texts := []string{"one", "two", "three"}
	for i, text := range texts {
		msg, err := h.svc.SendText(h.ctx(), mesh.IDBroadcast, text)
		if err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
		if msg.Status != mesh.StatusQueued {
			t.Fatalf("status = %v, want QUEUED", msg.Status)
		}
		if want := uint32(138 + i); msg.ID != want {
			t.Fatalf("id = %d, want %d", msg.ID, want)
		}
		if msg.From != testutil.NodeID(localNum) {
			t.Fatalf("from = %q", msg.From)
		}
	}
	if got := h.packets(); len(got) != 0 {
		t.Fatalf("%d packets written while disconnected", len(got))
	}

	h.connect()

	pkts := h.packets()
	if len(pkts) != len(texts) {
		t.Fatalf("expected %d packets after connect, got %d", len(texts), len(pkts))
	}
	for i, pkt := range pkts {
		if pkt.GetId() != uint32(138+i) || string(pkt.GetDecoded().GetPayload()) != texts[i] {
			t.Fatalf("packet %d = id %d %q", i, pkt.GetId(), pkt.GetDecoded().GetPayload())
		}
		if !pkt.GetWantAck() || pkt.GetTo() != mesh.NodeNumBroadcast {
			t.Fatalf("packet %d: want_ack=%v to=%x", i, pkt.GetWantAck(), pkt.GetTo())
		}
	}
	want := []string{"status 138 ENROUTE", "status 139 ENROUTE", "status 140 ENROUTE"}
	if got := h.rec.filter("status"); !sameEvents(got, want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}

	h.tr.LinkDown(false)
	h.connect()
	if got := h.packets(); len(got) != len(texts) {
		t.Fatalf("queue flushed twice: %d packets", len(got))
	}
}

func TestOfflineQueueDropsUnresolvableDestination(t *testing.T) {
	h := newHarness(t, session.Config{}, restoredSnapshot())

	lost, err := h.svc.SendText(h.ctx(), "!0000ffff", "lost")
	if err != nil {
		t.Fatalf("queue to unknown node while stale: %v", err)
	}
	kept, err := h.svc.SendText(h.ctx(), testutil.NodeID(peerNum), "kept")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	h.connect()

	want := []string{
		fmt.Sprintf("status %d ERROR", lost.ID),
		fmt.Sprintf("status %d ENROUTE", kept.ID),
	}
	if got := h.rec.filter("status"); !sameEvents(got, want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
	pkts := h.packets()
	if len(pkts) != 1 || pkts[0].GetTo() != peerNum {
		t.Fatalf("unexpected packets %v", pkts)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()

	msg, err := h.svc.Send(h.ctx(), mesh.DataPacket{
		Port:    mesh.PortText,
		Payload: testutil.BytesRepeating('x', radio.MaxPayloadLen),
	})
	if !errors.Is(err, session.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if msg.Status != mesh.StatusError {
		t.Fatalf("status = %v, want ERROR", msg.Status)
	}
	if got := h.packets(); len(got) != 0 {
		t.Fatalf("oversized payload transmitted")
	}

	msg, err = h.svc.Send(h.ctx(), mesh.DataPacket{
		Port:    mesh.PortText,
		Payload: testutil.BytesRepeating('x', radio.MaxPayloadLen-1),
	})
	if err != nil {
		t.Fatalf("send at limit: %v", err)
	}
	if msg.Status != mesh.StatusEnroute || msg.To != mesh.IDBroadcast {
		t.Fatalf("unexpected message %+v", msg)
	}
	if got := h.packets(); len(got) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(got))
	}
}

func TestSendRejectsUnknownDestination(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()

	msg, err := h.svc.SendText(h.ctx(), "!0000ffff", "hello")
	if !errors.Is(err, session.ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
	if msg.Status != mesh.StatusError {
		t.Fatalf("status = %v, want ERROR", msg.Status)
	}
	if got := h.packets(); len(got) != 0 {
		t.Fatalf("packet written for unknown destination")
	}
}

func TestUnackedMessageTimesOut(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()

	first, err := h.svc.SendText(h.ctx(), testutil.NodeID(peerNum), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.Status != mesh.StatusEnroute {
		t.Fatalf("status = %v, want ENROUTE", first.Status)
	}

	h.clock.Advance(400 * time.Second)
	if _, err := h.svc.SendText(h.ctx(), testutil.NodeID(peerNum), "again"); err != nil {
		t.Fatalf("second send: %v", err)
	}

	want := []string{fmt.Sprintf("status %d ERROR", first.ID)}
	if got := h.rec.filter("status"); !sameEvents(got, want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
}

func TestPeriodicSweepTimesOutMessages(t *testing.T) {
	h := newHarness(t, session.Config{SweepInterval: time.Minute}, snapshot.Snapshot{})
	h.connect()

	msg, err := h.svc.SendText(h.ctx(), mesh.IDBroadcast, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 7; i++ {
		h.clock.Advance(time.Minute)
		h.settle()
	}
	want := []string{fmt.Sprintf("status %d ERROR", msg.ID)}
	if got := h.rec.filter("status"); !sameEvents(got, want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
}

func TestRoutingReplyResolvesMessage(t *testing.T) {
	cases := []struct {
		name   string
		reason pb.Routing_Error
		want   mesh.MessageStatus
	}{
		{name: "ack", reason: pb.Routing_NONE, want: mesh.StatusDelivered},
		{name: "nak", reason: pb.Routing_MAX_RETRANSMIT, want: mesh.StatusError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, session.Config{}, snapshot.Snapshot{})
			h.connect()

			msg, err := h.svc.SendText(h.ctx(), testutil.NodeID(peerNum), "ping")
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			h.deliver(testutil.BuildPacketFrame(t, peerNum, localNum, 5001, testutil.BuildRoutingData(t, msg.ID, tc.reason)))
			h.deliver(testutil.BuildPacketFrame(t, peerNum, localNum, 5002, testutil.BuildRoutingData(t, msg.ID, tc.reason)))
			h.settle()

			want := []string{fmt.Sprintf("status %d %s", msg.ID, tc.want)}
			if got := h.rec.filter("status"); !sameEvents(got, want) {
				t.Fatalf("status events = %v, want %v", got, want)
			}
			recent, err := h.svc.RecentMessages(h.ctx())
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if recent[0].ID != msg.ID || recent[0].Status != tc.want {
				t.Fatalf("history entry %+v", recent[0])
			}
		})
	}
}

func TestEarlyPacketsDeliveredAfterSync(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})

	nonce := h.linkUp()
	h.deliver(testutil.BuildPacketFrame(t, peerNum, mesh.NodeNumBroadcast, 77, testutil.BuildTextData("early")))
	h.deliverSync(nonce)
	h.settle()

	events := h.rec.take()
	if len(events) < 4 {
		t.Fatalf("too few events: %v", events)
	}
	if !sameEvents(events[:2], []string{"node 10", "node 20"}) {
		t.Fatalf("node records not announced first: %v", events)
	}
	if events[len(events)-1] != "conn CONNECTED" {
		t.Fatalf("connection not announced last: %v", events)
	}
	if events[len(events)-2] != "data !00000014 77" {
		t.Fatalf("early packet not delivered before connect: %v", events)
	}

	msg, ok, err := h.svc.LastTextMessage(h.ctx())
	if err != nil || !ok {
		t.Fatalf("last text: %v %v", ok, err)
	}
	if msg.Text() != "early" || msg.Status != mesh.StatusReceived || msg.To != mesh.IDBroadcast {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestEarlyPacketBufferEvictsOldest(t *testing.T) {
	h := newHarness(t, session.Config{EarlyPacketLimit: 2}, snapshot.Snapshot{})

	nonce := h.linkUp()
	for id := uint32(1); id <= 3; id++ {
		h.deliver(testutil.BuildPacketFrame(t, peerNum, localNum, id, testutil.BuildTextData("x")))
	}
	h.deliverSync(nonce)
	h.settle()

	want := []string{"data !00000014 2", "data !00000014 3"}
	if got := h.rec.filter("data"); !sameEvents(got, want) {
		t.Fatalf("data events = %v, want %v", got, want)
	}
}

func TestPacketFromUnknownSenderDropped(t *testing.T) {
	const strangerNum uint32 = 0x63
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()

	h.deliver(testutil.BuildPacketFrame(t, strangerNum, mesh.NodeNumBroadcast, 300, testutil.BuildTextData("who?")))
	h.deliver(testutil.BuildPacketFrame(t, strangerNum, mesh.NodeNumBroadcast, 301,
		testutil.BuildUserData(t, testutil.NodeID(strangerNum), "Stranger", "ST")))
	h.deliver(testutil.BuildPacketFrame(t, strangerNum, mesh.NodeNumBroadcast, 302, testutil.BuildTextData("hi")))
	h.settle()

	want := []string{"data !00000063 301", "data !00000063 302"}
	if got := h.rec.filter("data"); !sameEvents(got, want) {
		t.Fatalf("data events = %v, want %v", got, want)
	}
	node, err := h.svc.Node(h.ctx(), testutil.NodeID(strangerNum))
	if err != nil {
		t.Fatalf("stranger not learned: %v", err)
	}
	if node.User.LongName != "Stranger" {
		t.Fatalf("long name = %q", node.User.LongName)
	}
}

func TestDuplicatePacketDropped(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()

	frame := testutil.BuildPacketFrame(t, peerNum, localNum, 900, testutil.BuildTextData("once"))
	h.deliver(frame, frame)
	h.settle()

	if got := h.rec.filter("data"); !sameEvents(got, []string{"data !00000014 900"}) {
		t.Fatalf("data events = %v", got)
	}
}

func TestPositionPacketUpdatesSender(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()

	h.deliver(testutil.BuildPacketFrame(t, peerNum, mesh.NodeNumBroadcast, 42,
		testutil.BuildPositionData(t, 525_000_000, 134_000_000, 34, 0)))
	node, err := h.svc.Node(h.ctx(), testutil.NodeID(peerNum))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if node.Position == nil {
		t.Fatalf("position not applied")
	}
	if node.Position.Altitude != 34 || node.Position.Time != 1_700_000_000 {
		t.Fatalf("unexpected position %+v", node.Position)
	}
}

func TestRecentMessagesBounded(t *testing.T) {
	h := newHarness(t, session.Config{RecentLimit: 3}, snapshot.Snapshot{})
	h.connect()

	for i := 0; i < 5; i++ {
		if _, err := h.svc.SendText(h.ctx(), mesh.IDBroadcast, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	recent, err := h.svc.RecentMessages(h.ctx())
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0].Text() != "m2" || recent[2].Text() != "m4" {
		t.Fatalf("unexpected history %v", recent)
	}
}
