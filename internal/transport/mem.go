package transport

import (
	"context"
	"sync"
)

// Mem is an in-process transport. The test side drives link changes and
// inbound frames; frames written by Send are collected for inspection.
type Mem struct {
	events chan Event
	sent   chan []byte

	mu      sync.Mutex
	up      bool
	closed  bool
	sendErr error
	log     [][]byte
}

// NewMem returns a Mem whose link starts down.
func NewMem() *Mem {
	return &Mem{
		events: make(chan Event, 1024),
		sent:   make(chan []byte, 1024),
	}
}

func (m *Mem) Start(context.Context) error { return nil }

func (m *Mem) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.up = false
}

func (m *Mem) Events() <-chan Event { return m.events }

// Send records frame. It fails while the link is down or a failure is injected.
func (m *Mem) Send(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case m.sendErr != nil:
		return m.sendErr
	case !m.up:
		return ErrNotConnected
	}
	cp := append([]byte(nil), frame...)
	m.log = append(m.log, cp)
	select {
	case m.sent <- cp:
	default:
	}
	return nil
}

// LinkUp marks the link up and emits EventLinkUp.
func (m *Mem) LinkUp() {
	m.mu.Lock()
	m.up = true
	m.mu.Unlock()
	m.events <- Event{Kind: EventLinkUp}
}

// LinkDown marks the link down and emits EventLinkDown.
func (m *Mem) LinkDown(permanent bool) {
	m.mu.Lock()
	m.up = false
	m.mu.Unlock()
	m.events <- Event{Kind: EventLinkDown, Permanent: permanent}
}

// Deliver injects an inbound frame.
func (m *Mem) Deliver(frame []byte) {
	m.events <- Event{Kind: EventFrame, Frame: append([]byte(nil), frame...)}
}

// FailSends makes every Send return err until called with nil.
func (m *Mem) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent exposes frames as they are written.
func (m *Mem) Sent() <-chan []byte { return m.sent }

// SentFrames returns every frame written so far.
func (m *Mem) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.log))
	copy(out, m.log)
	return out
}
