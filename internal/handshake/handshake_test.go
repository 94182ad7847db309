package handshake

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
)

const waitFor = 2 * time.Second

// outcome collects the callbacks of one handshaker.
type outcome struct {
	completed chan peer.Descriptor
	failed    chan error
	requests  chan peer.Descriptor
}

func newOutcome() *outcome {
	return &outcome{
		completed: make(chan peer.Descriptor, 2),
		failed:    make(chan error, 2),
		requests:  make(chan peer.Descriptor, 2),
	}
}

func (o *outcome) callbacks() Callbacks {
	return Callbacks{
		OnCompleted: func(remote peer.Descriptor) { o.completed <- remote },
		OnFailed:    func(err error) { o.failed <- err },
	}
}

func node(port int) peer.Descriptor {
	var ep *peer.Endpoint
	if port > 0 {
		ep = &peer.Endpoint{Host: "127.0.0.1", Port: port}
	}
	return peer.NewDescriptor(peer.RandomNodeID(), peer.TypeNormal, ep)
}

func expectCompleted(t *testing.T, o *outcome) peer.Descriptor {
	t.Helper()
	select {
	case d := <-o.completed:
		return d
	case err := <-o.failed:
		t.Fatalf("handshake failed: %v", err)
	case <-time.After(waitFor):
		t.Fatal("handshake did not complete")
	}
	return peer.Descriptor{}
}

func expectFailed(t *testing.T, o *outcome) error {
	t.Helper()
	select {
	case err := <-o.failed:
		return err
	case d := <-o.completed:
		t.Fatalf("handshake unexpectedly completed with %s", d)
	case <-time.After(waitFor):
		t.Fatal("handshake did not fail")
	}
	return nil
}

func TestHandshakeCompletesBothSides(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, b := transport.NewPipe(transport.WebsocketClient, transport.WebsocketServer)

	outRes, inRes := newOutcome(), newOutcome()
	out := NewOutgoing(dialer, &acceptor, a, outRes.callbacks(), Options{})
	in := NewIncoming(acceptor, b, inRes.callbacks(), Options{})
	in.Start()
	out.Start()

	a.Open()

	assert.True(t, expectCompleted(t, outRes).Equal(acceptor))
	assert.True(t, expectCompleted(t, inRes).Equal(dialer))
	assert.Equal(t, StateCompleted, out.State())
	assert.Equal(t, StateCompleted, in.State())
	assert.Empty(t, outRes.completed)
	assert.Empty(t, inRes.completed)
}

func TestHandshakeWithoutTarget(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, b := transport.NewPipe(transport.Simulator, transport.Simulator)

	outRes, inRes := newOutcome(), newOutcome()
	NewIncoming(acceptor, b, inRes.callbacks(), Options{}).Start()
	out := NewOutgoing(dialer, nil, a, outRes.callbacks(), Options{})
	out.Start()
	a.Open()

	assert.True(t, expectCompleted(t, outRes).Equal(acceptor))
	expectCompleted(t, inRes)
}

func TestInvalidTargetIsRejected(t *testing.T) {
	dialer, acceptor, other := node(0), node(9000), node(9001)
	a, b := transport.NewPipe(transport.Simulator, transport.Simulator)

	outRes, inRes := newOutcome(), newOutcome()
	NewIncoming(acceptor, b, inRes.callbacks(), Options{}).Start()
	NewOutgoing(dialer, &other, a, outRes.callbacks(), Options{}).Start()
	a.Open()

	var he protocol.HandshakeError
	require.True(t, errors.As(expectFailed(t, inRes), &he))
	assert.Equal(t, protocol.ErrInvalidTargetPeerDescriptor, he)
	require.True(t, errors.As(expectFailed(t, outRes), &he))
	assert.Equal(t, protocol.ErrInvalidTargetPeerDescriptor, he)
}

func TestUnsupportedVersionIsRejected(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, b := transport.NewPipe(transport.Simulator, transport.Simulator)

	outRes, inRes := newOutcome(), newOutcome()
	NewIncoming(acceptor, b, inRes.callbacks(), Options{}).Start()
	NewOutgoing(dialer, &acceptor, a, outRes.callbacks(), Options{Version: "0.9"}).Start()
	a.Open()

	assert.ErrorIs(t, expectFailed(t, inRes), protocol.ErrUnsupportedVersion)
	assert.ErrorIs(t, expectFailed(t, outRes), protocol.ErrUnsupportedVersion)
}

func TestOutgoingRejectsIncompatibleResponder(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, b := transport.NewPipe(transport.Simulator, transport.Simulator)

	outRes, inRes := newOutcome(), newOutcome()
	NewIncoming(acceptor, b, inRes.callbacks(), Options{Version: "0.1"}).Start()
	NewOutgoing(dialer, &acceptor, a, outRes.callbacks(), Options{}).Start()
	a.Open()

	expectCompleted(t, inRes)
	assert.ErrorIs(t, expectFailed(t, outRes), protocol.ErrUnsupportedVersion)
}

func TestOwnerDecidesDuplicate(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, b := transport.NewPipe(transport.Simulator, transport.Simulator)

	outRes, inRes := newOutcome(), newOutcome()
	cb := inRes.callbacks()
	var in *Handshaker
	cb.OnRequest = func(source peer.Descriptor, target *peer.Descriptor) {
		inRes.requests <- source
		go func() { _ = in.Reject(protocol.ErrDuplicateConnection) }()
	}
	in = NewIncoming(acceptor, b, cb, Options{})
	in.Start()
	NewOutgoing(dialer, &acceptor, a, outRes.callbacks(), Options{}).Start()
	a.Open()

	assert.True(t, (<-inRes.requests).Equal(dialer))
	assert.ErrorIs(t, expectFailed(t, outRes), protocol.ErrDuplicateConnection)
	assert.ErrorIs(t, expectFailed(t, inRes), protocol.ErrDuplicateConnection)
	assert.ErrorIs(t, in.Accept(), ErrInvalidState)
}

func TestDisconnectBeforeCompletionFails(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, b := transport.NewPipe(transport.Simulator, transport.Simulator)

	outRes := newOutcome()
	out := NewOutgoing(dialer, &acceptor, a, outRes.callbacks(), Options{})
	out.Start()
	a.Open()
	require.NoError(t, b.Close(false))

	assert.ErrorIs(t, expectFailed(t, outRes), ErrDisconnected)
	assert.Equal(t, StateFailed, out.State())

	// Cleanup ran once: nothing else is reported.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, outRes.failed)
	assert.Empty(t, outRes.completed)
}

func TestSendRequestOnlyOnce(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, _ := transport.NewPipe(transport.Simulator, transport.Simulator)
	a.Open()

	out := NewOutgoing(dialer, &acceptor, a, Callbacks{}, Options{})
	out.Start()
	require.NoError(t, out.SendRequest())
	assert.ErrorIs(t, out.SendRequest(), ErrInvalidState)
	assert.Equal(t, StateRequestSent, out.State())
}

func TestStopDetachesSilently(t *testing.T) {
	dialer, acceptor := node(0), node(9000)
	a, b := transport.NewPipe(transport.Simulator, transport.Simulator)

	outRes := newOutcome()
	out := NewOutgoing(dialer, &acceptor, a, outRes.callbacks(), Options{})
	out.Start()
	out.Stop()
	a.Open()
	require.NoError(t, b.Close(false))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, outRes.failed)
	assert.Empty(t, outRes.completed)
	assert.Equal(t, StateFailed, out.State())
}
