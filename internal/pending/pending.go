// Package pending tracks a connection attempt toward one peer until it
// either yields a live connection or fails.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

// DefaultTimeout bounds an attempt when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

var (
	ErrDisconnected        = errors.New("pending connection disconnected")
	ErrDestroyed           = errors.New("pending connection destroyed")
	ErrReplacedAsDuplicate = errors.New("pending connection replaced as duplicate")
)

// State is the lifecycle position of a pending connection.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Options configure a pending connection.
type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
}

// Connection is a cancellable, deadline-bounded placeholder for an attempt
// to reach Remote. It reaches exactly one terminal state; listeners observe
// at most one of connected or disconnected, at most once, and only if the
// attempt was not replaced as a duplicate.
type Connection struct {
	remote  peer.Descriptor
	created time.Time
	log     util.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	mu        sync.Mutex
	state     State
	replaced  bool
	destroyed bool
	conn      transport.Connection
	timer     *clock.Timer
	hooks     []func(State)

	connected    transport.Listeners[transport.Connection]
	disconnected transport.Listeners[bool]
}

// New arms the deadline and returns a connecting attempt toward remote.
// Cancelling parent closes the attempt non-gracefully.
func New(parent context.Context, remote peer.Descriptor, opts Options) *Connection {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		remote:  remote,
		created: opts.Clock.Now(),
		log:     util.NewLogger("pending"),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.mu.Lock()
	c.timer = opts.Clock.AfterFunc(opts.Timeout, func() {
		c.log.Debug("[%s] timed out after %s", remote.NodeID.Short(), opts.Timeout)
		c.Close(false)
	})
	c.stopWatch = context.AfterFunc(parent, func() { c.Close(false) })
	c.mu.Unlock()

	util.Stats.AddPending()
	return c
}

// Remote returns the target descriptor.
func (c *Connection) Remote() peer.Descriptor { return c.remote }

// CreatedAt returns the creation time read from the options clock.
func (c *Connection) CreatedAt() time.Time { return c.created }

// Context is cancelled on every terminal transition, after owner hooks and
// listeners ran. Work done on behalf of the attempt (dials, handshakes)
// should stop when it is done.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed on every terminal transition.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conn returns the connection the attempt resolved with, or nil.
func (c *Connection) Conn() transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Connection) IsReplaced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaced
}

// ReplaceAsDuplicate silences the attempt. It only has an effect while
// connecting.
func (c *Connection) ReplaceAsDuplicate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting || c.replaced {
		return
	}
	c.replaced = true
	util.Stats.AddDuplicate()
	c.log.Debug("[%s] replaced as duplicate", c.remote.NodeID.Short())
}

// OnConnected registers fn for the connected notification. Registrations
// after the terminal transition are ignored.
func (c *Connection) OnConnected(fn func(peer.Descriptor, transport.Connection)) (remove func()) {
	remote := c.remote
	return c.connected.Add(func(conn transport.Connection) { fn(remote, conn) })
}

// OnDisconnected registers fn for the disconnected notification.
func (c *Connection) OnDisconnected(fn func(graceful bool)) (remove func()) {
	return c.disconnected.Add(fn)
}

// OnTerminal registers an owner hook that runs on the terminal transition
// before any listener is notified, also for replaced or destroyed attempts.
// On an already terminal attempt fn runs immediately.
func (c *Connection) OnTerminal(fn func(State)) {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	state := c.state
	c.mu.Unlock()
	fn(state)
}

// OnHandshakeCompleted resolves the attempt with conn. It reports false,
// leaving conn to the caller, when the attempt is already terminal or was
// replaced as a duplicate.
func (c *Connection) OnHandshakeCompleted(conn transport.Connection) bool {
	c.mu.Lock()
	if c.state != StateConnecting || c.replaced {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.conn = conn
	hooks := c.terminateLocked()
	c.mu.Unlock()

	c.runHooks(hooks, StateConnected)
	util.Stats.AddConnected()
	c.connected.Emit(conn)
	c.seal()
	c.cancel()
	return true
}

// Close ends a connecting attempt. It is idempotent; replaced attempts run
// their cleanup without notifying listeners.
func (c *Connection) Close(graceful bool) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	replaced := c.replaced
	hooks := c.terminateLocked()
	c.mu.Unlock()

	c.runHooks(hooks, StateDisconnected)
	if !replaced {
		util.Stats.AddDisconnected()
		c.disconnected.Emit(graceful)
	}
	c.seal()
	c.cancel()
}

// Destroy ends the attempt without notifying anyone but owner hooks.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.seal()
		return
	}
	c.state = StateDisconnected
	c.destroyed = true
	hooks := c.terminateLocked()
	c.mu.Unlock()

	c.seal()
	c.runHooks(hooks, StateDisconnected)
	c.cancel()
}

// Wait blocks until the attempt is terminal or ctx is done.
func (c *Connection) Wait(ctx context.Context) (transport.Connection, error) {
	select {
	case <-c.ctx.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateConnected:
		return c.conn, nil
	case c.replaced:
		return nil, ErrReplacedAsDuplicate
	case c.destroyed:
		return nil, ErrDestroyed
	default:
		return nil, ErrDisconnected
	}
}

// terminateLocked stops the timer and the parent watch and hands back the
// owner hooks. Callers hold c.mu.
func (c *Connection) terminateLocked() []func(State) {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.stopWatch != nil {
		c.stopWatch()
	}
	hooks := c.hooks
	c.hooks = nil
	return hooks
}

func (c *Connection) runHooks(hooks []func(State), state State) {
	for _, h := range hooks {
		h(state)
	}
}

func (c *Connection) seal() {
	c.connected.Seal()
	c.disconnected.Seal()
}
