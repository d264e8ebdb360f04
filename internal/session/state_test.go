package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/session"
	"github.com/aminovpavel/meshlink/internal/snapshot"
	"github.com/aminovpavel/meshlink/internal/testutil"
)

func TestDeviceSleepTimesOut(t *testing.T) {
	cases := []struct {
		name       string
		lightSleep uint32
		timeout    time.Duration
	}{
		{name: "grace only", timeout: 30 * time.Second},
		{name: "light sleep plus grace", lightSleep: 10, timeout: 40 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, session.Config{}, snapshot.Snapshot{})
			h.connect(testutil.BuildPowerConfigFrame(t, tc.lightSleep))
			h.rec.take()

			h.tr.LinkDown(false)
			if got := h.state(); got != mesh.DeviceSleep {
				t.Fatalf("state = %v, want DEVICE_SLEEP", got)
			}
			if h.loc.stops.Load() != 1 {
				t.Fatalf("location reports not stopped on sleep")
			}

			h.clock.Advance(tc.timeout - time.Second)
			if got := h.state(); got != mesh.DeviceSleep {
				t.Fatalf("state before timeout = %v", got)
			}
			h.clock.Advance(time.Second)
			if got := h.state(); got != mesh.Disconnected {
				t.Fatalf("state after timeout = %v, want DISCONNECTED", got)
			}

			want := []string{"conn DEVICE_SLEEP", "conn DISCONNECTED"}
			if got := h.rec.filter("conn"); !sameEvents(got, want) {
				t.Fatalf("connection events = %v, want %v", got, want)
			}
		})
	}
}

func TestReconnectCancelsSleepTimeout(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()
	h.rec.take()

	h.tr.LinkDown(false)
	h.settle()
	h.clock.Advance(10 * time.Second)
	h.connect()
	h.clock.Advance(time.Minute)

	if got := h.state(); got != mesh.Connected {
		t.Fatalf("state = %v, want CONNECTED", got)
	}
	want := []string{"conn DEVICE_SLEEP", "conn CONNECTED"}
	if got := h.rec.filter("conn"); !sameEvents(got, want) {
		t.Fatalf("connection events = %v, want %v", got, want)
	}
}

func TestHandshakeSendFailureFallsBackToSleep(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.tr.FailSends(errors.New("write failed"))

	h.tr.LinkUp()
	if got := h.state(); got != mesh.DeviceSleep {
		t.Fatalf("state = %v, want DEVICE_SLEEP", got)
	}
	select {
	case err := <-h.svc.Errors():
		if err == nil {
			t.Fatalf("nil error published")
		}
	case <-time.After(time.Second):
		t.Fatalf("handshake failure not published")
	}
	if got := h.rec.take(); !sameEvents(got, []string{"conn DEVICE_SLEEP"}) {
		t.Fatalf("events = %v", got)
	}

	h.clock.Advance(30 * time.Second)
	if got := h.state(); got != mesh.Disconnected {
		t.Fatalf("state = %v, want DISCONNECTED", got)
	}
}

func TestPermanentLinkLossDisconnects(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.connect()
	saves := h.store.Saves()
	h.rec.take()

	h.tr.LinkDown(true)
	if got := h.state(); got != mesh.Disconnected {
		t.Fatalf("state = %v, want DISCONNECTED", got)
	}
	if got := h.rec.take(); !sameEvents(got, []string{"conn DISCONNECTED"}) {
		t.Fatalf("events = %v", got)
	}
	if h.store.Saves() <= saves {
		t.Fatalf("snapshot not saved on disconnect")
	}
	if h.loc.stops.Load() != 1 {
		t.Fatalf("location reports not stopped")
	}

	msg, err := h.svc.SendText(h.ctx(), testutil.NodeID(peerNum), "later")
	if err != nil {
		t.Fatalf("send while disconnected: %v", err)
	}
	if msg.Status != mesh.StatusQueued {
		t.Fatalf("status = %v, want QUEUED", msg.Status)
	}
}

func TestLocationNeedsAnotherNodeOnline(t *testing.T) {
	h := newHarness(t, session.Config{}, snapshot.Snapshot{})
	h.peers = nil
	h.connect()
	if h.loc.starts.Load() != 0 {
		t.Fatalf("location started with only the local node online")
	}

	h.deliver(testutil.BuildPacketFrame(t, peerNum, mesh.NodeNumBroadcast, 11,
		testutil.BuildUserData(t, testutil.NodeID(peerNum), "peer", "P")))
	h.settle()
	if h.loc.starts.Load() == 0 {
		t.Fatalf("location not started once a peer was heard")
	}
}

func TestRunRestoresSnapshot(t *testing.T) {
	h := newHarness(t, session.Config{}, restoredSnapshot())

	nodes, err := h.svc.Nodes(h.ctx())
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 restored nodes, got %d", len(nodes))
	}
	st, err := h.svc.Status(h.ctx())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Authoritative || st.State != "DISCONNECTED" || st.MyID != testutil.NodeID(localNum) {
		t.Fatalf("unexpected status %+v", st)
	}
}
