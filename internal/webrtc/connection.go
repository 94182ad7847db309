package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

// Role tells which side of the offer/answer exchange a connection plays.
type Role uint8

const (
	Offerer Role = iota
	Answerer
)

type state uint8

const (
	stateConnecting state = iota
	stateOpen
	stateClosed
)

// Signaller delivers signalling messages to a peer that is not connected
// yet.
type Signaller interface {
	Relay(target peer.Descriptor, msg *protocol.Message) error
}

// Connection is a transport.Connection over one DataChannel. The offerer
// starts negotiating on Negotiate; the answerer follows the offer.
type Connection struct {
	id         transport.ConnectionID
	signalID   string
	role       Role
	local      peer.Descriptor
	remote     peer.Descriptor
	signal     Signaller
	maxMessage int
	log        util.Logger

	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       state
	destroyed   bool
	negotiating bool
	remoteSet   bool
	descSent    bool
	inbound     []webrtc.ICECandidateInit
	outbound    []webrtc.ICECandidateInit
	once        sync.Once

	connected    transport.Listeners[struct{}]
	data         transport.Listeners[[]byte]
	disconnected transport.Listeners[transport.DisconnectEvent]
	errs         transport.Listeners[error]
}

var _ transport.Connection = (*Connection)(nil)

func newConnection(api *webrtc.API, opts Options, role Role, local, remote peer.Descriptor, signalID string, signal Signaller) (*Connection, error) {
	pc, err := newPeerConnection(api, opts.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         transport.NewConnectionID(),
		signalID:   signalID,
		role:       role,
		local:      local,
		remote:     remote,
		signal:     signal,
		maxMessage: opts.MaxMessageSize,
		log:        util.NewLogger("webrtc"),
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	dc.OnOpen(c.open)
	dc.OnClose(func() {
		c.finish(transport.DisconnectEvent{Graceful: true})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.maxMessage > 0 && len(msg.Data) > c.maxMessage {
			c.errs.Emit(fmt.Errorf("%w: %d bytes", protocol.ErrMessageTooLarge, len(msg.Data)))
			return
		}
		util.Stats.AddRecv(len(msg.Data))
		c.data.Emit(msg.Data)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug("[%s] peer connection %s", c.id.Short(), s)
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.finish(transport.DisconnectEvent{Reason: "peer connection " + s.String()})
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			c.sendCandidate(cand.ToJSON())
		}
	})

	c.sender = newSender(ctx, dc, c.openSignal,
		func(err error) {
			c.errs.Emit(err)
			c.finish(transport.DisconnectEvent{Reason: err.Error()})
		},
		func() { c.finish(transport.DisconnectEvent{Graceful: true}) },
	)
	return c, nil
}

func (c *Connection) ID() transport.ConnectionID     { return c.id }
func (c *Connection) Type() transport.ConnectionType { return transport.Webrtc }
func (c *Connection) RemoteAddr() string             { return "webrtc:" + c.remote.NodeID.Short() }

// Remote is the peer on the other end of the offer/answer exchange.
func (c *Connection) Remote() peer.Descriptor { return c.remote }

func (c *Connection) Role() Role { return c.role }

// Negotiate creates and relays the offer. It only acts once, on the
// offerer. Cancelling ctx before the channel opens closes the connection.
func (c *Connection) Negotiate(ctx context.Context) {
	c.mu.Lock()
	if c.role != Offerer || c.negotiating || c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.negotiating = true
	c.mu.Unlock()

	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		connecting := c.state == stateConnecting
		c.mu.Unlock()
		if connecting {
			c.finish(transport.DisconnectEvent{Reason: "negotiation cancelled"})
		}
	})

	go func() {
		offer, err := c.pc.CreateOffer(nil)
		if err != nil {
			c.fail(fmt.Errorf("create offer: %w", err))
			return
		}
		if err := c.pc.SetLocalDescription(offer); err != nil {
			c.fail(fmt.Errorf("set local description: %w", err))
			return
		}
		c.sendDescription(protocol.Body{RtcOffer: &protocol.RtcOffer{
			Source:       c.local,
			Target:       c.remote,
			SDP:          offer.SDP,
			ConnectionID: c.signalID,
		}})
	}()
}

func (c *Connection) acceptOffer(sdp string) {
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		c.fail(err)
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	c.sendDescription(protocol.Body{RtcAnswer: &protocol.RtcAnswer{
		Source:       c.local,
		Target:       c.remote,
		SDP:          answer.SDP,
		ConnectionID: c.signalID,
	}})
}

func (c *Connection) acceptAnswer(sdp string) {
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		c.fail(err)
	}
}

// setRemote applies the remote description, then the candidates that
// arrived before it.
func (c *Connection) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.mu.Lock()
	c.remoteSet = true
	early := c.inbound
	c.inbound = nil
	c.mu.Unlock()

	for _, cand := range early {
		c.applyCandidate(cand)
	}
	return nil
}

func (c *Connection) addCandidate(raw string) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &cand); err != nil {
		c.log.Debug("[%s] bad candidate: %v", c.id.Short(), err)
		return
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.inbound = append(c.inbound, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.applyCandidate(cand)
}

func (c *Connection) applyCandidate(cand webrtc.ICECandidateInit) {
	if err := c.pc.AddICECandidate(cand); err != nil {
		c.log.Debug("[%s] add candidate: %v", c.id.Short(), err)
	}
}

// sendDescription relays the offer or answer, then the local candidates
// gathered before it so the remote never sees them first on one path.
func (c *Connection) sendDescription(body protocol.Body) {
	if err := c.relay(body); err != nil {
		c.fail(fmt.Errorf("relay session description: %w", err))
		return
	}
	c.mu.Lock()
	c.descSent = true
	queued := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for _, cand := range queued {
		c.relayCandidate(cand)
	}
}

func (c *Connection) sendCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.descSent {
		c.outbound = append(c.outbound, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.relayCandidate(cand)
}

func (c *Connection) relayCandidate(cand webrtc.ICECandidateInit) {
	data, err := json.Marshal(cand)
	if err != nil {
		return
	}
	if err := c.relay(protocol.Body{IceCandidate: &protocol.IceCandidate{
		Source:       c.local,
		Target:       c.remote,
		Candidate:    string(data),
		ConnectionID: c.signalID,
	}}); err != nil {
		c.log.Debug("[%s] relay candidate: %v", c.id.Short(), err)
	}
}

func (c *Connection) relay(body protocol.Body) error {
	return c.signal.Relay(c.remote, protocol.NewMessage(protocol.ServiceWebrtcSignalling, protocol.MessageTypeRequest, body))
}

func (c *Connection) open() {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateOpen
	close(c.openSignal)
	c.mu.Unlock()

	c.log.Debug("[%s] data channel open to %s", c.id.Short(), c.remote.NodeID.Short())
	c.connected.Emit(struct{}{})
}

func (c *Connection) fail(err error) {
	c.log.Debug("[%s] %v", c.id.Short(), err)
	c.errs.Emit(err)
	c.finish(transport.DisconnectEvent{Reason: err.Error()})
}

// finish runs the terminal transition exactly once. The channel and peer
// connection are closed off the caller's goroutine since pion may call back
// into finish while closing.
func (c *Connection) finish(ev transport.DisconnectEvent) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		destroyed := c.destroyed
		c.mu.Unlock()

		c.cancel()
		go func() {
			_ = c.dc.Close()
			_ = c.pc.Close()
		}()

		c.connected.Seal()
		c.data.Seal()
		c.errs.Seal()
		if !destroyed {
			c.disconnected.Emit(ev)
		}
		c.disconnected.Seal()
	})
}

// Send queues data behind earlier messages.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return transport.ErrClosed
	}
	if !c.sender.send(c.ctx, frame{data: data}) {
		return transport.ErrClosed
	}
	return nil
}

// Close ends the connection. A graceful close on an open channel is queued
// behind pending messages.
func (c *Connection) Close(graceful bool) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch {
	case st == stateClosed:
	case st == stateOpen && graceful:
		c.sender.send(c.ctx, frame{close: true})
	default:
		c.finish(transport.DisconnectEvent{Graceful: graceful})
	}
	return nil
}

// Destroy closes immediately and silences every listener.
func (c *Connection) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.finish(transport.DisconnectEvent{})
}

func (c *Connection) OnConnected(fn func()) func() {
	return c.connected.Add(func(struct{}) { fn() })
}

func (c *Connection) OnData(fn func([]byte)) func() { return c.data.Add(fn) }

func (c *Connection) OnDisconnected(fn func(transport.DisconnectEvent)) func() {
	return c.disconnected.Add(fn)
}

func (c *Connection) OnError(fn func(error)) func() { return c.errs.Add(fn) }
