package pending

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/transport"
)

func remote() peer.Descriptor {
	return peer.NewDescriptor(peer.RandomNodeID(), peer.TypeNormal, &peer.Endpoint{Host: "127.0.0.1", Port: 9000})
}

// counter records every notification of a pending connection.
type counter struct {
	connected    atomic.Int32
	disconnected atomic.Int32
	graceful     atomic.Bool
}

func watch(c *Connection) *counter {
	n := &counter{}
	c.OnConnected(func(peer.Descriptor, transport.Connection) { n.connected.Add(1) })
	c.OnDisconnected(func(graceful bool) {
		n.graceful.Store(graceful)
		n.disconnected.Add(1)
	})
	return n
}

func (n *counter) total() int32 { return n.connected.Load() + n.disconnected.Load() }

func TestTimeoutClosesNonGracefully(t *testing.T) {
	c := New(context.Background(), remote(), Options{Timeout: 100 * time.Millisecond})
	n := watch(c)
	start := time.Now()

	select {
	case <-c.Done():
	case <-time.After(150 * time.Millisecond):
		t.Fatal("pending connection did not time out within 150ms")
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), n.disconnected.Load())
	assert.False(t, n.graceful.Load())
}

func TestTimeoutWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	c := New(context.Background(), remote(), Options{Timeout: 15 * time.Second, Clock: mock})
	n := watch(c)

	mock.Add(14 * time.Second)
	assert.Equal(t, StateConnecting, c.State())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), n.disconnected.Load())
}

func TestHandshakeCompletedStopsTimer(t *testing.T) {
	mock := clock.NewMock()
	c := New(context.Background(), remote(), Options{Clock: mock})
	n := watch(c)

	conn, _ := transport.NewPipe(transport.Simulator, transport.Simulator)
	require.True(t, c.OnHandshakeCompleted(conn))

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, int32(1), n.connected.Load())
	assert.Equal(t, int32(0), n.disconnected.Load())

	got, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(context.Background(), remote(), Options{})
	n := watch(c)

	c.Close(true)
	c.Close(false)
	c.Destroy()

	assert.Equal(t, int32(1), n.disconnected.Load())
	assert.True(t, n.graceful.Load())

	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestDestroyNeverNotifies(t *testing.T) {
	c := New(context.Background(), remote(), Options{})
	n := watch(c)

	var hooked atomic.Int32
	c.OnTerminal(func(s State) { hooked.Add(1) })

	c.Destroy()
	c.Close(false)
	conn, _ := transport.NewPipe(transport.Simulator, transport.Simulator)
	assert.False(t, c.OnHandshakeCompleted(conn))

	assert.Equal(t, int32(0), n.total())
	assert.Equal(t, int32(1), hooked.Load())

	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestDuplicateSuppression(t *testing.T) {
	c := New(context.Background(), remote(), Options{})
	n := watch(c)

	c.ReplaceAsDuplicate()
	c.ReplaceAsDuplicate()
	assert.True(t, c.IsReplaced())

	conn, _ := transport.NewPipe(transport.Simulator, transport.Simulator)
	assert.False(t, c.OnHandshakeCompleted(conn))
	assert.Equal(t, int32(0), n.total())

	c.Close(false)
	assert.Equal(t, int32(0), n.total())
	assert.Equal(t, StateDisconnected, c.State())

	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReplacedAsDuplicate)
}

func TestReplaceAfterTerminalHasNoEffect(t *testing.T) {
	c := New(context.Background(), remote(), Options{})
	c.Close(true)
	c.ReplaceAsDuplicate()
	assert.False(t, c.IsReplaced())
}

func TestLateListenersNeverFire(t *testing.T) {
	c := New(context.Background(), remote(), Options{})
	c.Close(false)

	n := watch(c)
	c.Close(false)
	assert.Equal(t, int32(0), n.total())
}

func TestAtMostOneNotificationInAnyOrder(t *testing.T) {
	ops := []func(c *Connection){
		func(c *Connection) { c.Close(true) },
		func(c *Connection) { c.Close(false) },
		func(c *Connection) { c.Destroy() },
		func(c *Connection) {
			conn, _ := transport.NewPipe(transport.Simulator, transport.Simulator)
			c.OnHandshakeCompleted(conn)
		},
		func(c *Connection) { c.ReplaceAsDuplicate() },
	}

	for i := 0; i < 200; i++ {
		c := New(context.Background(), remote(), Options{})
		n := watch(c)

		order := rand.Perm(len(ops))
		for _, idx := range order {
			ops[idx](c)
		}
		assert.LessOrEqual(t, n.total(), int32(1), "order %v", order)
		assert.NotEqual(t, StateConnecting, c.State())
	}
}

func TestConcurrentTerminalCalls(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := New(context.Background(), remote(), Options{})
		n := watch(c)

		start := make(chan struct{})
		done := make(chan struct{}, 3)
		conn, _ := transport.NewPipe(transport.Simulator, transport.Simulator)
		for _, op := range []func(){
			func() { c.Close(false) },
			func() { c.OnHandshakeCompleted(conn) },
			func() { c.Destroy() },
		} {
			go func() {
				<-start
				op()
				done <- struct{}{}
			}()
		}
		close(start)
		for j := 0; j < 3; j++ {
			<-done
		}
		assert.LessOrEqual(t, n.total(), int32(1))
	}
}

func TestTerminalHookRunsBeforeNotification(t *testing.T) {
	c := New(context.Background(), remote(), Options{})

	var order []string
	c.OnTerminal(func(s State) { order = append(order, "hook:"+s.String()) })
	c.OnDisconnected(func(bool) { order = append(order, "disconnected") })

	c.Close(false)
	assert.Equal(t, []string{"hook:DISCONNECTED", "disconnected"}, order)

	var late State = StateConnecting
	c.OnTerminal(func(s State) { late = s })
	assert.Equal(t, StateDisconnected, late)
}

func TestParentCancellationCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, remote(), Options{})
	n := watch(c)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation did not close the attempt")
	}
	assert.Equal(t, int32(1), n.disconnected.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	c := New(context.Background(), remote(), Options{})
	defer c.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
