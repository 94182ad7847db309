package webrtc

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/connector"
	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

// orphanSessions bounds how many unknown signalling sessions keep early
// candidates around.
const orphanSessions = 256

// Options configure a Manager.
type Options struct {
	// ICEServers defaults to DefaultSTUNServers when nil. An empty slice
	// disables STUN.
	ICEServers []string

	// IncludeLoopback gathers 127.0.0.1 candidates, for tests and local
	// meshes.
	IncludeLoopback bool

	MaxMessageSize int
}

// Manager creates WebRTC connections and routes relayed signalling to
// them. Offers for the local node create answering connections, which are
// handed to the OnIncoming callback.
type Manager struct {
	local  peer.Descriptor
	signal Signaller
	opts   Options
	api    *webrtc.API
	log    util.Logger

	mu       sync.Mutex
	conns    map[string]*Connection
	orphans  *lru.Cache[string, []string]
	incoming func(transport.Connection)
	closed   bool
}

var _ connector.WebrtcTransport = (*Manager)(nil)

func NewManager(local peer.Descriptor, signal Signaller, opts Options) *Manager {
	if opts.ICEServers == nil {
		opts.ICEServers = DefaultSTUNServers
	}
	orphans, _ := lru.New[string, []string](orphanSessions)
	return &Manager{
		local:   local,
		signal:  signal,
		opts:    opts,
		api:     newAPI(opts),
		log:     util.NewLogger("webrtc"),
		conns:   make(map[string]*Connection),
		orphans: orphans,
	}
}

// OnIncoming sets the receiver of answering connections. They are handed
// over before negotiation so the receiver sees them open.
func (m *Manager) OnIncoming(fn func(transport.Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = fn
}

// NewConnection returns an offering connection to target. Negotiation
// starts on Negotiate.
func (m *Manager) NewConnection(target peer.Descriptor) (connector.WebrtcConnection, error) {
	c, err := newConnection(m.api, m.opts, Offerer, m.local, target, string(transport.NewConnectionID()), m.signal)
	if err != nil {
		return nil, err
	}
	if !m.register(c) {
		c.Destroy()
		return nil, transport.ErrClosed
	}
	return c, nil
}

// HandleSignal applies a relayed offer, answer or candidate addressed to
// the local node.
func (m *Manager) HandleSignal(msg *protocol.Message) {
	if msg.ServiceID != protocol.ServiceWebrtcSignalling {
		return
	}
	b := msg.Body
	switch {
	case b.RtcOffer != nil:
		m.onOffer(b.RtcOffer)
	case b.RtcAnswer != nil:
		if b.RtcAnswer.Target.NodeID != m.local.NodeID {
			return
		}
		if c := m.lookup(b.RtcAnswer.ConnectionID, b.RtcAnswer.Source.NodeID); c != nil && c.role == Offerer {
			go c.acceptAnswer(b.RtcAnswer.SDP)
		}
	case b.IceCandidate != nil:
		m.onCandidate(b.IceCandidate)
	}
}

func (m *Manager) onOffer(offer *protocol.RtcOffer) {
	if offer.Target.NodeID != m.local.NodeID {
		return
	}

	m.mu.Lock()
	if _, ok := m.conns[offer.ConnectionID]; ok || m.closed {
		m.mu.Unlock()
		return
	}
	incoming := m.incoming
	m.mu.Unlock()
	if incoming == nil {
		m.log.Debug("dropping offer from %s: no receiver", offer.Source.NodeID.Short())
		return
	}

	c, err := newConnection(m.api, m.opts, Answerer, m.local, offer.Source, offer.ConnectionID, m.signal)
	if err != nil {
		m.log.Warn("cannot answer %s: %v", offer.Source.NodeID.Short(), err)
		return
	}
	early, ok := m.registerTaking(c)
	if !ok {
		c.Destroy()
		return
	}

	m.log.Debug("[%s] answering offer from %s", c.id.Short(), offer.Source.NodeID.Short())
	incoming(c)
	for _, raw := range early {
		c.addCandidate(raw)
	}
	go c.acceptOffer(offer.SDP)
}

func (m *Manager) onCandidate(cand *protocol.IceCandidate) {
	if cand.Target.NodeID != m.local.NodeID {
		return
	}

	m.mu.Lock()
	c, ok := m.conns[cand.ConnectionID]
	if !ok {
		if !m.closed {
			early, _ := m.orphans.Get(cand.ConnectionID)
			m.orphans.Add(cand.ConnectionID, append(early, cand.Candidate))
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if c.remote.NodeID == cand.Source.NodeID {
		c.addCandidate(cand.Candidate)
	}
}

// register tracks c until it disconnects. It reports false once the
// manager is closed or the session is already known.
func (m *Manager) register(c *Connection) bool {
	_, ok := m.registerTaking(c)
	return ok
}

// registerTaking registers c and hands back the candidates that arrived
// for its session before it existed.
func (m *Manager) registerTaking(c *Connection) ([]string, bool) {
	m.mu.Lock()
	if _, dup := m.conns[c.signalID]; dup || m.closed {
		m.mu.Unlock()
		return nil, false
	}
	m.conns[c.signalID] = c
	early, _ := m.orphans.Get(c.signalID)
	m.orphans.Remove(c.signalID)
	m.mu.Unlock()

	c.OnDisconnected(func(transport.DisconnectEvent) { m.remove(c) })
	return early, true
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.signalID] == c {
		delete(m.conns, c.signalID)
	}
}

func (m *Manager) lookup(signalID string, from peer.NodeID) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[signalID]
	if !ok || c.remote.NodeID != from {
		return nil
	}
	return c
}

// Close destroys every connection still negotiating or open.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
}
