// Package handshake implements the identity and version exchange that runs
// on a freshly opened connection before any application data.
package handshake

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

var (
	// ErrDisconnected reports a socket lost before the handshake ended.
	ErrDisconnected = errors.New("connection lost during handshake")

	// ErrInvalidState is returned by Accept, Reject and SendRequest when
	// called out of turn.
	ErrInvalidState = errors.New("handshake is not in a state allowing this call")
)

// State is the position of a Handshaker in its exchange.
type State uint8

const (
	StateIdle State = iota
	StateRequestSent
	StateRequestReceived
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateRequestReceived:
		return "REQUEST_RECEIVED"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) terminal() bool { return s == StateCompleted || s == StateFailed }

// Role tells which side of the exchange a Handshaker plays.
type Role uint8

const (
	Outgoing Role = iota
	Incoming
)

// Callbacks are invoked outside the handshaker's lock, at most once each,
// and never after a terminal state was reached.
type Callbacks struct {
	// OnCompleted reports the confirmed remote identity.
	OnCompleted func(remote peer.Descriptor)

	// OnFailed reports why the exchange ended without a connection: a
	// protocol.HandshakeError, ErrDisconnected, or a send error.
	OnFailed func(err error)

	// OnRequest hands a validated incoming request to the owner, which
	// must answer with Accept or Reject.
	OnRequest func(source peer.Descriptor, target *peer.Descriptor)
}

// Options tune a Handshaker.
type Options struct {
	// Version overrides the advertised protocol version.
	Version        string
	MaxMessageSize int
}

// Handshaker runs one side of the exchange over conn. It owns no socket:
// whoever created it decides whether to close conn after a failure.
type Handshaker struct {
	role   Role
	local  peer.Descriptor
	target *peer.Descriptor
	conn   transport.Connection
	cb     Callbacks
	opts   Options
	log    util.Logger

	mu      sync.Mutex
	state   State
	remote  peer.Descriptor
	removes []func()
}

// NewOutgoing prepares the dialling side. target may be nil when the
// identity behind the address is unknown. Call Start to begin listening.
func NewOutgoing(local peer.Descriptor, target *peer.Descriptor, conn transport.Connection, cb Callbacks, opts Options) *Handshaker {
	return newHandshaker(Outgoing, local, target, conn, cb, opts)
}

// NewIncoming prepares the accepting side. Call Start to begin listening.
func NewIncoming(local peer.Descriptor, conn transport.Connection, cb Callbacks, opts Options) *Handshaker {
	return newHandshaker(Incoming, local, nil, conn, cb, opts)
}

func newHandshaker(role Role, local peer.Descriptor, target *peer.Descriptor, conn transport.Connection, cb Callbacks, opts Options) *Handshaker {
	if opts.Version == "" {
		opts.Version = protocol.LocalVersion
	}
	if target != nil {
		t := *target
		target = &t
	}
	return &Handshaker{
		role:   role,
		local:  local,
		target: target,
		conn:   conn,
		cb:     cb,
		opts:   opts,
		log:    util.NewLogger("handshake"),
	}
}

// Start subscribes to the connection. The outgoing side sends its request
// as soon as the connection reports Connected; if that already happened,
// call SendRequest.
func (h *Handshaker) Start() {
	removes := []func(){
		h.conn.OnData(h.onData),
		h.conn.OnDisconnected(func(transport.DisconnectEvent) { h.fail(ErrDisconnected) }),
	}
	if h.role == Outgoing {
		removes = append(removes, h.conn.OnConnected(func() {
			if err := h.SendRequest(); err != nil && !errors.Is(err, ErrInvalidState) {
				h.fail(err)
			}
		}))
	}

	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		for _, r := range removes {
			r()
		}
		return
	}
	h.removes = append(h.removes, removes...)
	h.mu.Unlock()
}

// Stop detaches from the connection without reporting anything. The state
// becomes FAILED so later calls are rejected.
func (h *Handshaker) Stop() {
	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		return
	}
	h.state = StateFailed
	removes := h.takeRemovesLocked()
	h.mu.Unlock()

	for _, r := range removes {
		r()
	}
}

func (h *Handshaker) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Remote returns the remote identity learned from the exchange so far.
func (h *Handshaker) Remote() peer.Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote
}

// Conn returns the connection the handshake runs on.
func (h *Handshaker) Conn() transport.Connection { return h.conn }

// ---------------------------------------------------------------------------
// Outgoing side
// ---------------------------------------------------------------------------

// SendRequest sends the HandshakeRequest. It only succeeds once, from IDLE.
func (h *Handshaker) SendRequest() error {
	h.mu.Lock()
	if h.role != Outgoing || h.state != StateIdle {
		h.mu.Unlock()
		return ErrInvalidState
	}
	h.state = StateRequestSent
	h.mu.Unlock()

	h.log.Debug("[%s] sending handshake request to %s", h.conn.ID().Short(), targetString(h.target))
	return h.send(protocol.MessageTypeRequest, protocol.Body{
		HandshakeRequest: &protocol.HandshakeRequest{
			Source:  h.local,
			Target:  h.target,
			Version: h.opts.Version,
		},
	})
}

func (h *Handshaker) onResponse(resp *protocol.HandshakeResponse) {
	h.mu.Lock()
	if h.state != StateRequestSent {
		h.mu.Unlock()
		return
	}
	h.remote = resp.Source
	h.mu.Unlock()

	switch {
	case resp.Error != nil:
		h.fail(*resp.Error)
	case !protocol.IsMaybeSupportedVersion(resp.Version):
		h.fail(protocol.ErrUnsupportedVersion)
	default:
		h.complete(resp.Source)
	}
}

// ---------------------------------------------------------------------------
// Incoming side
// ---------------------------------------------------------------------------

func (h *Handshaker) onRequest(req *protocol.HandshakeRequest) {
	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return
	}
	h.state = StateRequestReceived
	h.remote = req.Source
	h.mu.Unlock()

	switch {
	case req.Target != nil && !req.Target.Equal(h.local):
		h.log.Debug("[%s] request from %s targets %s, not us", h.conn.ID().Short(), req.Source, req.Target)
		_ = h.Reject(protocol.ErrInvalidTargetPeerDescriptor)
	case !protocol.IsMaybeSupportedVersion(req.Version):
		h.log.Debug("[%s] request from %s has unsupported version %q", h.conn.ID().Short(), req.Source, req.Version)
		_ = h.Reject(protocol.ErrUnsupportedVersion)
	case h.cb.OnRequest != nil:
		h.cb.OnRequest(req.Source, req.Target)
	default:
		_ = h.Accept()
	}
}

// Accept answers the pending request positively and completes.
func (h *Handshaker) Accept() error {
	h.mu.Lock()
	if h.role != Incoming || h.state != StateRequestReceived {
		h.mu.Unlock()
		return ErrInvalidState
	}
	remote := h.remote
	h.mu.Unlock()

	if err := h.send(protocol.MessageTypeResponse, protocol.Body{
		HandshakeResponse: &protocol.HandshakeResponse{Source: h.local, Version: h.opts.Version},
	}); err != nil {
		h.fail(err)
		return err
	}
	h.complete(remote)
	return nil
}

// Reject answers the pending request with reason and fails.
func (h *Handshaker) Reject(reason protocol.HandshakeError) error {
	h.mu.Lock()
	if h.role != Incoming || h.state != StateRequestReceived {
		h.mu.Unlock()
		return ErrInvalidState
	}
	h.mu.Unlock()

	err := h.send(protocol.MessageTypeResponse, protocol.Body{
		HandshakeResponse: &protocol.HandshakeResponse{Source: h.local, Version: h.opts.Version, Error: &reason},
	})
	h.fail(reason)
	return err
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

func (h *Handshaker) onData(data []byte) {
	msg, err := protocol.Decode(data, h.opts.MaxMessageSize)
	if err != nil {
		h.log.Debug("[%s] dropping undecodable message: %v", h.conn.ID().Short(), err)
		return
	}
	if msg.ServiceID != protocol.ServiceHandshake {
		return
	}

	switch {
	case h.role == Outgoing && msg.Body.HandshakeResponse != nil:
		h.onResponse(msg.Body.HandshakeResponse)
	case h.role == Incoming && msg.Body.HandshakeRequest != nil:
		h.onRequest(msg.Body.HandshakeRequest)
	}
}

func (h *Handshaker) send(typ protocol.MessageType, body protocol.Body) error {
	data, err := protocol.Encode(protocol.NewMessage(protocol.ServiceHandshake, typ, body))
	if err != nil {
		return err
	}
	return h.conn.Send(data)
}

func (h *Handshaker) complete(remote peer.Descriptor) {
	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		return
	}
	h.state = StateCompleted
	h.remote = remote
	removes := h.takeRemovesLocked()
	h.mu.Unlock()

	for _, r := range removes {
		r()
	}
	h.log.Debug("[%s] handshake with %s completed", h.conn.ID().Short(), remote)
	if h.cb.OnCompleted != nil {
		h.cb.OnCompleted(remote)
	}
}

func (h *Handshaker) fail(err error) {
	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		return
	}
	h.state = StateFailed
	removes := h.takeRemovesLocked()
	h.mu.Unlock()

	for _, r := range removes {
		r()
	}
	util.Stats.AddHandshakeFailed()
	h.log.Debug("[%s] handshake failed: %v", h.conn.ID().Short(), err)
	if h.cb.OnFailed != nil {
		h.cb.OnFailed(err)
	}
}

func (h *Handshaker) takeRemovesLocked() []func() {
	removes := h.removes
	h.removes = nil
	return removes
}

func targetString(target *peer.Descriptor) string {
	if target == nil {
		return "unknown peer"
	}
	return target.String()
}
