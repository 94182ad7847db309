package webrtc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
)

const waitFor = 10 * time.Second

// directSignal hands every message to another manager through the wire
// codec.
type directSignal struct {
	to *Manager
}

func (d *directSignal) Relay(_ peer.Descriptor, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := protocol.Decode(data, 0)
	if err != nil {
		return err
	}
	d.to.HandleSignal(decoded)
	return nil
}

type nopSignal struct{}

func (nopSignal) Relay(peer.Descriptor, *protocol.Message) error { return nil }

func descriptor() peer.Descriptor {
	return peer.NewDescriptor(peer.RandomNodeID(), peer.TypeNormal, nil)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestLoopbackConnection(t *testing.T) {
	aDesc, bDesc := descriptor(), descriptor()
	toB, toA := &directSignal{}, &directSignal{}
	opts := Options{ICEServers: []string{}, IncludeLoopback: true}
	a := NewManager(aDesc, toB, opts)
	b := NewManager(bDesc, toA, opts)
	toB.to, toA.to = b, a
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	answered := make(chan transport.Connection, 1)
	answerOpen := make(chan struct{})
	farClosed := make(chan struct{})
	got := make(chan []byte, 1)
	b.OnIncoming(func(c transport.Connection) {
		c.OnConnected(func() { close(answerOpen) })
		c.OnData(func(d []byte) { got <- d })
		c.OnDisconnected(func(transport.DisconnectEvent) { close(farClosed) })
		answered <- c
	})

	conn, err := a.NewConnection(bDesc)
	require.NoError(t, err)
	assert.Equal(t, transport.Webrtc, conn.Type())
	opened := make(chan struct{})
	conn.OnConnected(func() { close(opened) })
	conn.Negotiate(context.Background())

	waitClosed(t, opened, "offerer to open")
	waitClosed(t, answerOpen, "answerer to open")

	far := <-answered
	assert.Equal(t, transport.Webrtc, far.Type())
	assert.Equal(t, aDesc.NodeID, far.(*Connection).Remote().NodeID)
	assert.Equal(t, Answerer, far.(*Connection).Role())

	require.NoError(t, conn.Send([]byte("over the channel")))
	select {
	case d := <-got:
		assert.Equal(t, "over the channel", string(d))
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}

	require.NoError(t, conn.Close(true))
	waitClosed(t, farClosed, "answerer to close")
	assert.ErrorIs(t, conn.Send([]byte("late")), transport.ErrClosed)
}

func TestNegotiationCancelledBeforeOpen(t *testing.T) {
	m := NewManager(descriptor(), nopSignal{}, Options{ICEServers: []string{}})
	t.Cleanup(m.Close)

	conn, err := m.NewConnection(descriptor())
	require.NoError(t, err)
	closed := make(chan transport.DisconnectEvent, 1)
	conn.OnDisconnected(func(ev transport.DisconnectEvent) { closed <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	conn.Negotiate(ctx)
	cancel()

	select {
	case ev := <-closed:
		assert.False(t, ev.Graceful)
	case <-time.After(waitFor):
		t.Fatal("connection not closed")
	}
	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.conns) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestOfferForAnotherNodeIsIgnored(t *testing.T) {
	m := NewManager(descriptor(), nopSignal{}, Options{ICEServers: []string{}})
	t.Cleanup(m.Close)
	called := make(chan transport.Connection, 1)
	m.OnIncoming(func(c transport.Connection) { called <- c })

	m.HandleSignal(protocol.NewMessage(protocol.ServiceWebrtcSignalling, protocol.MessageTypeRequest, protocol.Body{
		RtcOffer: &protocol.RtcOffer{Source: descriptor(), Target: descriptor(), SDP: "v=0", ConnectionID: "other"},
	}))
	assert.Empty(t, called)
}

func TestEarlyCandidatesAreKept(t *testing.T) {
	local := descriptor()
	m := NewManager(local, nopSignal{}, Options{ICEServers: []string{}})
	t.Cleanup(m.Close)

	m.HandleSignal(protocol.NewMessage(protocol.ServiceWebrtcSignalling, protocol.MessageTypeRequest, protocol.Body{
		IceCandidate: &protocol.IceCandidate{Source: descriptor(), Target: local, Candidate: "{}", ConnectionID: "s1"},
	}))
	m.HandleSignal(protocol.NewMessage(protocol.ServiceWebrtcSignalling, protocol.MessageTypeRequest, protocol.Body{
		IceCandidate: &protocol.IceCandidate{Source: descriptor(), Target: local, Candidate: "{}", ConnectionID: "s1"},
	}))

	early, ok := m.orphans.Get("s1")
	require.True(t, ok)
	assert.Len(t, early, 2)
}

func TestClosedManagerRefusesConnections(t *testing.T) {
	m := NewManager(descriptor(), nopSignal{}, Options{ICEServers: []string{}})
	m.Close()

	_, err := m.NewConnection(descriptor())
	assert.ErrorIs(t, err, transport.ErrClosed)
}
