// Package notify fans session events out to registered listeners.
package notify

import (
	"sync"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

// Listener receives session events. Calls are made from the session worker,
// in event order; implementations must return quickly.
type Listener interface {
	ConnectionChanged(state mesh.ConnectionState)
	NodeChanged(node mesh.NodeInfo)
	DataReceived(pkt mesh.DataPacket)
	MessageStatusChanged(id uint32, status mesh.MessageStatus)
}

// Funcs adapts optional callbacks to a Listener.
type Funcs struct {
	OnConnection func(mesh.ConnectionState)
	OnNode       func(mesh.NodeInfo)
	OnData       func(mesh.DataPacket)
	OnStatus     func(uint32, mesh.MessageStatus)
}

func (f Funcs) ConnectionChanged(state mesh.ConnectionState) {
	if f.OnConnection != nil {
		f.OnConnection(state)
	}
}

func (f Funcs) NodeChanged(node mesh.NodeInfo) {
	if f.OnNode != nil {
		f.OnNode(node)
	}
}

func (f Funcs) DataReceived(pkt mesh.DataPacket) {
	if f.OnData != nil {
		f.OnData(pkt)
	}
}

func (f Funcs) MessageStatusChanged(id uint32, status mesh.MessageStatus) {
	if f.OnStatus != nil {
		f.OnStatus(id, status)
	}
}

// Hub is a Listener that forwards every event to its subscribers in
// subscription order.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	l  Listener
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers l and returns a function that removes it again.
func (h *Hub) Subscribe(l Listener) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, l: l})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) snapshot() []subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]subscription(nil), h.subs...)
}

func (h *Hub) ConnectionChanged(state mesh.ConnectionState) {
	for _, s := range h.snapshot() {
		s.l.ConnectionChanged(state)
	}
}

func (h *Hub) NodeChanged(node mesh.NodeInfo) {
	for _, s := range h.snapshot() {
		s.l.NodeChanged(node.Clone())
	}
}

func (h *Hub) DataReceived(pkt mesh.DataPacket) {
	for _, s := range h.snapshot() {
		s.l.DataReceived(pkt.Clone())
	}
}

func (h *Hub) MessageStatusChanged(id uint32, status mesh.MessageStatus) {
	for _, s := range h.snapshot() {
		s.l.MessageStatusChanged(id, status)
	}
}
