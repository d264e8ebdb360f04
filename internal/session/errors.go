package session

import "errors"

var (
	// ErrNotConnected is returned for radio operations while the device link is not CONNECTED.
	ErrNotConnected = errors.New("session: radio not connected")
	// ErrUnknownID is returned when a node identity cannot be resolved.
	ErrUnknownID = errors.New("session: unknown node id")
	// ErrUpdateInProgress is returned for radio sends while a firmware update owns the transport.
	ErrUpdateInProgress = errors.New("session: firmware update in progress")
	// ErrPayloadTooLarge is returned for payloads at or above the frame limit.
	ErrPayloadTooLarge = errors.New("session: payload too large")
	// ErrNoLocalNode is returned before the local node is known.
	ErrNoLocalNode = errors.New("session: local node unknown")
	// ErrStopped is returned once the session worker has exited.
	ErrStopped = errors.New("session: stopped")
)
