// Package transport defines the raw, unauthenticated byte-stream connection
// every higher layer is built on, and its WebSocket and in-process
// implementations.
package transport

import (
	"errors"
	"strconv"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned when sending on a connection that is not open.
	ErrClosed = errors.New("connection is not open")
)

// ConnectionType is the transport role a node plays toward a given peer.
type ConnectionType uint8

const (
	WebsocketClient ConnectionType = iota
	WebsocketServer
	Webrtc
	Simulator
)

func (t ConnectionType) String() string {
	switch t {
	case WebsocketClient:
		return "WEBSOCKET_CLIENT"
	case WebsocketServer:
		return "WEBSOCKET_SERVER"
	case Webrtc:
		return "WEBRTC"
	case Simulator:
		return "SIMULATOR"
	default:
		return "ConnectionType(" + strconv.Itoa(int(t)) + ")"
	}
}

// ConnectionID correlates log lines of one raw socket. It is never used
// for routing.
type ConnectionID string

// NewConnectionID returns a process-unique random id.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// Short returns the first block of the id for log lines.
func (id ConnectionID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// DisconnectEvent describes how a connection ended.
type DisconnectEvent struct {
	Graceful bool
	Code     int
	Reason   string
}

// Connection is a bidirectional byte stream between two nodes.
//
// Every On* registration returns a function removing the listener.
// Disconnected fires at most once; after it fired (or after Destroy) no
// listener of the connection is called again.
type Connection interface {
	ID() ConnectionID
	Type() ConnectionType
	RemoteAddr() string

	// Send queues data for delivery. It fails with ErrClosed when the
	// connection is not open.
	Send(data []byte) error

	// Close ends the connection and eventually emits Disconnected. A
	// graceful close flushes data queued before it.
	Close(graceful bool) error

	// Destroy ends the connection immediately without emitting any event.
	Destroy()

	OnConnected(fn func()) (remove func())
	OnData(fn func([]byte)) (remove func())
	OnDisconnected(fn func(DisconnectEvent)) (remove func())
	OnError(fn func(error)) (remove func())
}
