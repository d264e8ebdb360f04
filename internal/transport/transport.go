// Package transport carries raw device frames between the session and the
// radio, and reports link changes on the same ordered event stream.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send while the link is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned once the transport has been stopped.
	ErrClosed = errors.New("transport: closed")
)

// EventKind classifies transport events.
type EventKind int

const (
	EventFrame EventKind = iota
	EventLinkUp
	EventLinkDown
)

func (k EventKind) String() string {
	switch k {
	case EventLinkUp:
		return "link_up"
	case EventLinkDown:
		return "link_down"
	default:
		return "frame"
	}
}

// Event is one item on the transport's ordered stream.
type Event struct {
	Kind  EventKind
	Frame []byte
	// Permanent marks a link loss the transport will not recover from on its own.
	Permanent bool
	Err       error
}

// Transport abstracts the device link.
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	Send(ctx context.Context, frame []byte) error
	Events() <-chan Event
}
