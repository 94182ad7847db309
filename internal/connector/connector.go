// Package connector turns "connect to peer X" into exactly one live
// connection per peer, whichever side dials and however often.
package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/meshlink/internal/handshake"
	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/pending"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

var (
	ErrNoRoute   = errors.New("no live connection to relay through")
	ErrNoWebrtc  = errors.New("webrtc transport not configured")
	ErrDestroyed = errors.New("connector destroyed")
)

// ConnectRequester asks target, over some already healthy path, to dial
// the local WebSocket server.
type ConnectRequester interface {
	RequestConnection(ctx context.Context, local, target peer.Descriptor) error
}

// WebrtcConnection is an outgoing WebRTC connection that starts negotiating
// when Negotiate is called.
type WebrtcConnection interface {
	transport.Connection
	Negotiate(ctx context.Context)
}

// WebrtcTransport creates WebRTC connections and consumes their signalling.
type WebrtcTransport interface {
	NewConnection(target peer.Descriptor) (WebrtcConnection, error)
	HandleSignal(msg *protocol.Message)
}

// Options configure a Connector.
type Options struct {
	PendingTimeout   time.Duration
	MaxMessageSize   int
	AcceptSelfSigned bool

	// Version overrides the advertised protocol version.
	Version string
	Clock   clock.Clock

	// Requester relays connect-back requests. The connector relays them
	// over its own live connections when nil.
	Requester ConnectRequester
}

// Event reports a live connection appearing or going away.
type Event struct {
	Remote   peer.Descriptor
	Conn     transport.Connection
	Graceful bool
}

type direction uint8

const (
	outbound direction = iota
	inbound
)

// attempt is a registry entry. hs and conn are only set for outbound
// attempts, once dialling started.
type attempt struct {
	pc     *pending.Connection
	dir    direction
	hs     *handshake.Handshaker
	conn   transport.Connection
	merged bool
}

// socket is a raw connection known to the connector. remote is set once
// the socket carries the live connection to that peer.
type socket struct {
	conn   transport.Connection
	remote *peer.Descriptor
}

// Connector owns every connection attempt of the local node. It keeps a
// registry of direct attempts, a side registry of relayed connect
// requests and the table of live connections.
type Connector struct {
	local peer.Descriptor
	opts  Options
	log   util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	attempts  map[peer.NodeID]*attempt
	ongoing   map[peer.NodeID]*pending.Connection
	live      map[peer.NodeID]*socket
	sockets   map[transport.ConnectionID]*socket
	webrtc    WebrtcTransport
	server    *Server
	destroyed bool

	connected    transport.Listeners[Event]
	disconnected transport.Listeners[Event]
}

var _ ConnectRequester = (*Connector)(nil)

// New returns a connector acting as local.
func New(local peer.Descriptor, opts Options) *Connector {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = pending.DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		local:    local,
		log:      util.NewLogger("connector"),
		ctx:      ctx,
		cancel:   cancel,
		attempts: make(map[peer.NodeID]*attempt),
		ongoing:  make(map[peer.NodeID]*pending.Connection),
		live:     make(map[peer.NodeID]*socket),
		sockets:  make(map[transport.ConnectionID]*socket),
	}
	if opts.Requester == nil {
		opts.Requester = c
	}
	c.opts = opts
	return c
}

func (c *Connector) Local() peer.Descriptor { return c.local }

// Listen routes ordinary sockets accepted by s to the connector. s is
// closed by Destroy.
func (c *Connector) Listen(s *Server) {
	c.mu.Lock()
	c.server = s
	c.mu.Unlock()
	s.Handle(c.OnIncomingSocket)
}

// UseWebrtc enables the WEBRTC connection type.
func (c *Connector) UseWebrtc(w WebrtcTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webrtc = w
}

// OnConnected registers fn for every new live connection.
func (c *Connector) OnConnected(fn func(Event)) (remove func()) { return c.connected.Add(fn) }

// OnDisconnected registers fn for every live connection that ends.
func (c *Connector) OnDisconnected(fn func(Event)) (remove func()) {
	return c.disconnected.Add(fn)
}

// Connections lists the peers with a live connection.
func (c *Connector) Connections() []peer.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]peer.Descriptor, 0, len(c.live))
	for _, s := range c.live {
		out = append(out, *s.remote)
	}
	return out
}

// Connection returns the live connection to id.
func (c *Connector) Connection(id peer.NodeID) (transport.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.live[id]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// ---------------------------------------------------------------------------
// Outgoing
// ---------------------------------------------------------------------------

// Connect returns the attempt toward target, starting one if none is in
// flight. Concurrent callers for the same node get the same attempt. A peer
// that is already connected yields an attempt resolved with the live
// connection.
func (c *Connector) Connect(target peer.Descriptor) *pending.Connection {
	id := target.NodeID

	c.mu.Lock()
	existing, live, stop := c.lookupLocked(id)
	c.mu.Unlock()
	switch {
	case existing != nil:
		return existing
	case live != nil:
		return c.resolved(target, live)
	case stop:
		return c.discarded(target)
	}

	typ := transport.Resolve(c.local, target)
	pc := c.track(target)
	a := &attempt{pc: pc, dir: outbound}

	c.mu.Lock()
	existing, live, stop = c.lookupLocked(id)
	if existing == nil && live == nil && !stop {
		if typ == transport.WebsocketServer {
			c.ongoing[id] = pc
		} else {
			c.attempts[id] = a
		}
	}
	c.mu.Unlock()

	switch {
	case existing != nil:
		pc.Destroy()
		return existing
	case live != nil:
		pc.Destroy()
		return c.resolved(target, live)
	case stop:
		pc.Destroy()
		return pc
	}

	c.log.Debug("connecting to %s as %s", target, typ)
	if typ == transport.WebsocketServer {
		go c.requestConnection(pc, target)
	} else {
		c.dial(a, target, typ)
	}
	return pc
}

// lookupLocked finds what Connect should return without dialling.
func (c *Connector) lookupLocked(id peer.NodeID) (existing *pending.Connection, live transport.Connection, stop bool) {
	if c.destroyed || id == c.local.NodeID {
		return nil, nil, true
	}
	if a, ok := c.attempts[id]; ok {
		return a.pc, nil, false
	}
	if pc, ok := c.ongoing[id]; ok {
		return pc, nil, false
	}
	if s, ok := c.live[id]; ok {
		return nil, s.conn, false
	}
	return nil, nil, false
}

func (c *Connector) newPending(remote peer.Descriptor) *pending.Connection {
	return pending.New(c.ctx, remote, pending.Options{Timeout: c.opts.PendingTimeout, Clock: c.opts.Clock})
}

// resolved returns an untracked attempt already carrying conn.
func (c *Connector) resolved(target peer.Descriptor, conn transport.Connection) *pending.Connection {
	pc := c.newPending(target)
	pc.OnHandshakeCompleted(conn)
	return pc
}

// discarded returns an attempt that ended before it started.
func (c *Connector) discarded(target peer.Descriptor) *pending.Connection {
	pc := c.newPending(target)
	pc.Destroy()
	return pc
}

// track creates an attempt whose terminal transition maintains the
// registries before anyone is notified.
func (c *Connector) track(remote peer.Descriptor) *pending.Connection {
	pc := c.newPending(remote)
	id := remote.NodeID
	pc.OnTerminal(func(s pending.State) {
		c.mu.Lock()
		a := c.attempts[id]
		if a != nil && a.pc == pc {
			delete(c.attempts, id)
		} else {
			a = nil
		}
		if c.ongoing[id] == pc {
			delete(c.ongoing, id)
		}
		var conn transport.Connection
		if s == pending.StateConnected {
			conn = pc.Conn()
			if sock, ok := c.sockets[conn.ID()]; ok && !c.destroyed {
				r := pc.Remote()
				sock.remote = &r
				c.live[id] = sock
			}
		}
		var loserHS *handshake.Handshaker
		var loser transport.Connection
		if a != nil && a.conn != nil && a.conn != conn {
			loserHS, loser = a.hs, a.conn
		}
		c.mu.Unlock()

		if loser != nil {
			loserHS.Stop()
			_ = loser.Close(s == pending.StateConnected)
		}
	})
	pc.OnConnected(c.onLive)
	return pc
}

func (c *Connector) dial(a *attempt, target peer.Descriptor, typ transport.ConnectionType) {
	pc := a.pc

	var conn transport.Connection
	var start func(ctx context.Context)
	switch typ {
	case transport.WebsocketClient:
		ws := transport.NewWebsocketClient(c.opts.MaxMessageSize)
		url := target.Websocket.URL()
		opts := transport.DialOptions{AcceptSelfSigned: c.opts.AcceptSelfSigned}
		conn = ws
		start = func(ctx context.Context) { ws.Connect(ctx, url, opts) }
	case transport.Webrtc:
		c.mu.Lock()
		w := c.webrtc
		c.mu.Unlock()
		if w == nil {
			c.log.Warn("cannot reach %s: %v", target, ErrNoWebrtc)
			pc.Close(false)
			return
		}
		rc, err := w.NewConnection(target)
		if err != nil {
			c.log.Warn("cannot reach %s over webrtc: %v", target, err)
			pc.Close(false)
			return
		}
		conn = rc
		start = rc.Negotiate
	default:
		pc.Close(false)
		return
	}

	hs := handshake.NewOutgoing(c.local, &target, conn, handshake.Callbacks{
		OnCompleted: func(peer.Descriptor) {
			if !pc.OnHandshakeCompleted(conn) {
				_ = conn.Close(true)
			}
		},
		OnFailed: func(err error) { c.onOutgoingFailed(pc, conn, err) },
	}, c.handshakeOptions())

	if !c.watchSocket(conn) {
		pc.Destroy()
		return
	}

	c.mu.Lock()
	proceed := !a.merged && pc.State() == pending.StateConnecting
	if proceed {
		a.hs, a.conn = hs, conn
	}
	c.mu.Unlock()
	if !proceed {
		_ = conn.Close(false)
		return
	}

	hs.Start()
	start(pc.Context())
}

func (c *Connector) onOutgoingFailed(pc *pending.Connection, conn transport.Connection, err error) {
	var he protocol.HandshakeError
	switch {
	case errors.As(err, &he) && he == protocol.ErrDuplicateConnection:
		// The rejector closes the socket; the pending attempt waits for the
		// connection that won.
		c.log.Debug("[%s] %s kept its own connection to us", conn.ID().Short(), pc.Remote().NodeID.Short())
	case errors.As(err, &he):
		c.log.Warn("[%s] %s rejected the handshake: %v", conn.ID().Short(), pc.Remote(), he)
		_ = conn.Close(true)
		pc.Close(false)
	default:
		c.log.Debug("[%s] handshake with %s failed: %v", conn.ID().Short(), pc.Remote().NodeID.Short(), err)
		_ = conn.Close(false)
		pc.Close(false)
	}
}

func (c *Connector) requestConnection(pc *pending.Connection, target peer.Descriptor) {
	if err := c.opts.Requester.RequestConnection(pc.Context(), c.local, target); err != nil {
		c.log.Debug("connect-back request to %s failed: %v", target.NodeID.Short(), err)
		pc.Close(false)
	}
}

// ---------------------------------------------------------------------------
// Incoming
// ---------------------------------------------------------------------------

type decision uint8

const (
	decisionReject decision = iota
	decisionAccept
	decisionClose
)

// OnIncomingSocket runs the accepting side of the handshake on conn. The
// socket is closed if no request arrives within the pending timeout.
func (c *Connector) OnIncomingSocket(conn transport.Connection) {
	if !c.watchSocket(conn) {
		_ = conn.Close(false)
		return
	}

	var hs *handshake.Handshaker
	var timer *clock.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	hs = handshake.NewIncoming(c.local, conn, handshake.Callbacks{
		OnRequest:   func(source peer.Descriptor, _ *peer.Descriptor) { c.onRequest(hs, conn, source) },
		OnCompleted: func(peer.Descriptor) { stopTimer() },
		OnFailed: func(err error) {
			stopTimer()
			_ = conn.Close(true)
		},
	}, c.handshakeOptions())
	timer = c.opts.Clock.AfterFunc(c.opts.PendingTimeout, func() {
		if hs.State() == handshake.StateCompleted {
			return
		}
		c.log.Debug("[%s] no handshake within %s", conn.ID().Short(), c.opts.PendingTimeout)
		hs.Stop()
		_ = conn.Close(false)
	})
	hs.Start()
}

// onRequest decides what an authenticated inbound request from source
// becomes. It runs on the socket's read goroutine.
func (c *Connector) onRequest(hs *handshake.Handshaker, conn transport.Connection, source peer.Descriptor) {
	fresh := c.track(source)
	d, target, loserHS := c.decide(source, fresh)

	switch d {
	case decisionClose:
		fresh.Destroy()
		hs.Stop()
		_ = conn.Close(false)
		return
	case decisionReject:
		c.log.Debug("[%s] rejecting duplicate connection from %s", conn.ID().Short(), source.NodeID.Short())
		fresh.ReplaceAsDuplicate()
		fresh.Destroy()
		_ = hs.Reject(protocol.ErrDuplicateConnection)
		return
	}

	if target != fresh {
		fresh.Destroy()
	}
	if loserHS != nil {
		loserHS.Stop()
	}
	if err := hs.Accept(); err != nil {
		target.Close(false)
		return
	}
	if !target.OnHandshakeCompleted(conn) {
		_ = conn.Close(true)
	}
}

// decide picks the attempt an inbound socket from source completes. When an
// outbound attempt to the same peer is pending, the connection dialled by
// the lower node id survives.
func (c *Connector) decide(source peer.Descriptor, fresh *pending.Connection) (decision, *pending.Connection, *handshake.Handshaker) {
	id := source.NodeID

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed || id == c.local.NodeID {
		return decisionClose, nil, nil
	}
	if pc, ok := c.ongoing[id]; ok {
		delete(c.ongoing, id)
		return decisionAccept, pc, nil
	}
	if _, ok := c.live[id]; ok {
		return decisionReject, nil, nil
	}
	if a, ok := c.attempts[id]; ok {
		if a.dir == inbound || a.merged || id.Compare(c.local.NodeID) > 0 {
			return decisionReject, nil, nil
		}
		a.merged = true
		return decisionAccept, a.pc, a.hs
	}
	c.attempts[id] = &attempt{pc: fresh, dir: inbound}
	return decisionAccept, fresh, nil
}

// ---------------------------------------------------------------------------
// Live connections
// ---------------------------------------------------------------------------

// watchSocket records conn so Destroy reaches it and its loss is noticed.
func (c *Connector) watchSocket(conn transport.Connection) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	c.sockets[conn.ID()] = &socket{conn: conn}
	c.mu.Unlock()

	conn.OnDisconnected(func(ev transport.DisconnectEvent) { c.onSocketClosed(conn, ev) })
	return true
}

func (c *Connector) onSocketClosed(conn transport.Connection, ev transport.DisconnectEvent) {
	c.mu.Lock()
	s, ok := c.sockets[conn.ID()]
	delete(c.sockets, conn.ID())
	wasLive := ok && s.remote != nil && c.live[s.remote.NodeID] == s
	if wasLive {
		delete(c.live, s.remote.NodeID)
	}
	c.mu.Unlock()

	if wasLive {
		c.log.Info("disconnected from %s (graceful=%t)", s.remote, ev.Graceful)
		c.disconnected.Emit(Event{Remote: *s.remote, Conn: conn, Graceful: ev.Graceful})
	}
}

// onLive runs on the completing goroutine, so the data listener is in place
// before the next message is read.
func (c *Connector) onLive(remote peer.Descriptor, conn transport.Connection) {
	c.mu.Lock()
	s, ok := c.live[remote.NodeID]
	live := ok && s.conn == conn
	c.mu.Unlock()
	if !live {
		return
	}

	conn.OnData(c.systemHandler(conn))
	c.log.Info("connected to %s over %s", remote, conn.Type())
	c.connected.Emit(Event{Remote: remote, Conn: conn})
}

func (c *Connector) handshakeOptions() handshake.Options {
	return handshake.Options{Version: c.opts.Version, MaxMessageSize: c.opts.MaxMessageSize}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Destroy ends every attempt silently and closes every socket, then the
// listener. All closes are attempted; their errors are combined.
func (c *Connector) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	pcs := make([]*pending.Connection, 0, len(c.attempts)+len(c.ongoing))
	for _, a := range c.attempts {
		pcs = append(pcs, a.pc)
	}
	for _, pc := range c.ongoing {
		pcs = append(pcs, pc)
	}
	conns := make([]transport.Connection, 0, len(c.sockets))
	for _, s := range c.sockets {
		conns = append(conns, s.conn)
	}
	server := c.server
	c.mu.Unlock()

	c.connected.Seal()
	c.disconnected.Seal()

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, pc := range pcs {
		g.Go(func() error {
			pc.Destroy()
			return nil
		})
	}
	for _, conn := range conns {
		g.Go(func() error {
			if err := conn.Close(true); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	c.cancel()

	if server != nil {
		errs = multierr.Append(errs, server.Close())
	}
	c.log.Debug("destroyed (%d attempts, %d sockets)", len(pcs), len(conns))
	return errs
}
