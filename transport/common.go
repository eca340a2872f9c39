package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected the transport has no live session
var ErrNotConnected = errors.New("transport not connected")

// ConnectionState state of a transport session
type ConnectionState int32

// Connection states
const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// EventSink receives the events of one transport session
//
// Calls may block until the event is accepted. The context passed in is cancelled when
// the session is torn down by Disconnect, and implementations should give up on it.
type EventSink interface {
	// HandleConnected the session is established. Previous wire subscriptions are gone.
	HandleConnected(ctxt context.Context)
	// HandleDisconnected the session was lost. The transport is reconnecting on its own.
	HandleDisconnected(ctxt context.Context, cause error)
	// HandleMessage one inbound message on a subscribed destination
	HandleMessage(ctxt context.Context, destination string, payload []byte)
}

// Transport one logical streaming connection carrying topic subscriptions
//
// After a connection loss the transport holds no subscriptions; the owner re-issues them
// on the next HandleConnected. Disconnect cancels the session context; an event already
// on its way to the sink may still land, so owners should discard events from sessions
// they have torn down.
type Transport interface {
	// Connect start a session which reports to sink. No-op if a session is already
	// connecting or connected. Connection failures are retried, never returned.
	Connect(sink EventSink) error
	// Disconnect tear down the session and all its subscriptions. No-op if disconnected.
	Disconnect() error
	// Subscribe add a wire subscription for destination. Requires a connected session.
	Subscribe(destination string) error
	// Unsubscribe remove the wire subscription for destination, if any
	Unsubscribe(destination string) error
	// State current session state
	State() ConnectionState
}
