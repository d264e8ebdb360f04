package session_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/observability"
	"github.com/aminovpavel/meshlink/internal/packetid"
	"github.com/aminovpavel/meshlink/internal/session"
	"github.com/aminovpavel/meshlink/internal/snapshot"
	"github.com/aminovpavel/meshlink/internal/testutil"
	"github.com/aminovpavel/meshlink/internal/transport"
)

const (
	localNum uint32 = 0x0a
	peerNum  uint32 = 0x14
	otherNum uint32 = 0x1e
)

var baseTime = time.Unix(1_700_000_100, 0)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	fn    func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ConnectionChanged(state mesh.ConnectionState) {
	r.add("conn " + state.String())
}

func (r *recorder) NodeChanged(node mesh.NodeInfo) {
	r.add(fmt.Sprintf("node %d", node.Num))
}

func (r *recorder) DataReceived(pkt mesh.DataPacket) {
	r.add(fmt.Sprintf("data %s %d", pkt.From, pkt.ID))
}

func (r *recorder) MessageStatusChanged(id uint32, status mesh.MessageStatus) {
	r.add(fmt.Sprintf("status %d %s", id, status))
}

// take returns and clears the recorded events.
func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func (r *recorder) filter(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if strings.HasPrefix(ev, prefix) {
			out = append(out, ev)
		}
	}
	return out
}

type fakeLocation struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeLocation) Start() { f.starts.Add(1) }
func (f *fakeLocation) Stop()  { f.stops.Add(1) }

type harness struct {
	t     *testing.T
	svc   *session.Service
	tr    *transport.Mem
	clock *fakeClock
	store *snapshot.MemStore
	rec   *recorder
	loc   *fakeLocation
	peers []uint32
}

func newHarness(t *testing.T, cfg session.Config, snap snapshot.Snapshot) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tr:    transport.NewMem(),
		clock: &fakeClock{now: baseTime},
		store: snapshot.NewMemStore(snap),
		rec:   &recorder{},
		loc:   &fakeLocation{},
		peers: []uint32{peerNum},
	}
	h.svc = session.New(cfg, h.tr,
		session.WithClock(h.clock),
		session.WithSnapshots(h.store),
		session.WithLogger(observability.NoOpLogger()),
		session.WithLocation(h.loc),
		session.WithAllocator(packetid.New(packetid.WithRandom(func() uint64 { return 1000 }))),
	)
	h.svc.Subscribe(h.rec)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

// state waits for every queued event to be handled and returns the link state.
func (h *harness) state() mesh.ConnectionState {
	h.t.Helper()
	state, err := h.svc.ConnectionState(h.ctx())
	if err != nil {
		h.t.Fatalf("connection state: %v", err)
	}
	return state
}

func (h *harness) settle() {
	h.t.Helper()
	h.state()
}

func (h *harness) deliver(frames ...[]byte) {
	for _, frame := range frames {
		h.tr.Deliver(frame)
	}
}

// linkUp raises the link and returns the nonce of the config request it triggers.
func (h *harness) linkUp() uint32 {
	h.t.Helper()
	h.tr.LinkUp()
	h.settle()
	return h.lastNonce()
}

func (h *harness) lastNonce() uint32 {
	h.t.Helper()
	frames := h.tr.SentFrames()
	for i := len(frames) - 1; i >= 0; i-- {
		if nonce := testutil.DecodeToRadio(h.t, frames[i]).GetWantConfigId(); nonce != 0 {
			return nonce
		}
	}
	h.t.Fatalf("no want_config frame written")
	return 0
}

// deliverSync answers a config request with the local node, the harness
// peers and any extra frames, then completes it.
func (h *harness) deliverSync(nonce uint32, extra ...[]byte) {
	h.t.Helper()
	heard := uint32(baseTime.Unix()) - 60
	h.deliver(
		testutil.BuildMyInfoFrame(h.t, localNum),
		testutil.BuildMetadataFrame(h.t, "2.5.6"),
	)
	h.deliver(extra...)
	h.deliver(testutil.BuildNodeInfoFrame(h.t, localNum, "local", heard))
	for _, num := range h.peers {
		h.deliver(testutil.BuildNodeInfoFrame(h.t, num, fmt.Sprintf("node-%d", num), heard))
	}
	h.deliver(testutil.BuildConfigCompleteFrame(h.t, nonce))
}

func (h *harness) connect(extra ...[]byte) {
	h.t.Helper()
	nonce := h.linkUp()
	h.deliverSync(nonce, extra...)
	if got := h.state(); got != mesh.Connected {
		h.t.Fatalf("state after sync = %v, want CONNECTED", got)
	}
}

// packets returns the mesh packets written to the radio, skipping handshake frames.
func (h *harness) packets() []*pb.MeshPacket {
	h.t.Helper()
	var out []*pb.MeshPacket
	for _, raw := range h.tr.SentFrames() {
		if pkt := testutil.DecodeToRadio(h.t, raw).GetPacket(); pkt != nil {
			out = append(out, pkt)
		}
	}
	return out
}

func (h *harness) adminMessages() []*pb.AdminMessage {
	h.t.Helper()
	var out []*pb.AdminMessage
	for _, pkt := range h.packets() {
		data := pkt.GetDecoded()
		if data.GetPortnum() != pb.PortNum_ADMIN_APP {
			continue
		}
		admin, err := decodeAdmin(data.GetPayload())
		if err != nil {
			h.t.Fatalf("decode admin: %v", err)
		}
		out = append(out, admin)
	}
	return out
}

func sameEvents(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func decodeAdmin(payload []byte) (*pb.AdminMessage, error) {
	var admin pb.AdminMessage
	if err := proto.Unmarshal(payload, &admin); err != nil {
		return nil, err
	}
	return &admin, nil
}
