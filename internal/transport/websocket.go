package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshlink/internal/util"
)

const (
	outboxSize       = 64               // outgoing frame channel capacity
	dialTimeout      = 10 * time.Second // WebSocket opening handshake limit
	closeWriteWindow = time.Second      // deadline for writing the close frame
)

type connState uint8

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

// frame is one item of the outbox: either a data message or a close request.
type frame struct {
	data  []byte
	close bool
}

// WebsocketConnection is a Connection over a gorilla WebSocket. All writes
// go through a single writer goroutine, so a graceful Close is ordered
// after every Send issued before it.
type WebsocketConnection struct {
	id         ConnectionID
	typ        ConnectionType
	log        util.Logger
	maxMessage int64

	mu         sync.Mutex
	state      connState
	conn       *websocket.Conn
	remoteAddr string
	cancelDial context.CancelFunc
	started    bool
	destroyed  bool

	outbox chan frame
	done   chan struct{}
	once   sync.Once

	connected    Listeners[struct{}]
	data         Listeners[[]byte]
	disconnected Listeners[DisconnectEvent]
	errs         Listeners[error]
}

var _ Connection = (*WebsocketConnection)(nil)

func newWebsocketConnection(typ ConnectionType, maxMessage int) *WebsocketConnection {
	return &WebsocketConnection{
		id:         NewConnectionID(),
		typ:        typ,
		log:        util.NewLogger("websocket"),
		maxMessage: int64(maxMessage),
		outbox:     make(chan frame, outboxSize),
		done:       make(chan struct{}),
	}
}

// NewWebsocketClient returns an unconnected client-side connection. Attach
// listeners, then call Connect.
func NewWebsocketClient(maxMessage int) *WebsocketConnection {
	return newWebsocketConnection(WebsocketClient, maxMessage)
}

// AcceptWebsocket wraps a socket accepted by a server. The connection is
// open on return and never emits Connected. Nothing is read until Start is
// called, so listeners can be attached first.
func AcceptWebsocket(conn *websocket.Conn, maxMessage int) *WebsocketConnection {
	c := newWebsocketConnection(WebsocketServer, maxMessage)
	c.attach(conn)
	return c
}

// Start launches the pumps of an accepted connection. It is a no-op for
// client connections and on repeated calls.
func (c *WebsocketConnection) Start() {
	c.mu.Lock()
	conn := c.conn
	start := c.state == stateOpen && conn != nil && !c.started
	c.started = true
	c.mu.Unlock()
	if start {
		c.pump(conn)
	}
}

// DialOptions tune an outgoing WebSocket.
type DialOptions struct {
	// AcceptSelfSigned disables certificate verification for wss:// URLs.
	AcceptSelfSigned bool
	Header           http.Header
}

// Connect dials url in the background. The outcome is reported through
// Connected, or Error followed by a non-graceful Disconnected.
func (c *WebsocketConnection) Connect(ctx context.Context, url string, opts DialOptions) {
	c.mu.Lock()
	if c.state != stateConnecting || c.conn != nil || c.cancelDial != nil {
		c.mu.Unlock()
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	c.cancelDial = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()

		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		}
		if opts.AcceptSelfSigned {
			dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}

		conn, _, err := dialer.DialContext(dialCtx, url, opts.Header)
		if err != nil {
			c.log.Debug("[%s] dial %s failed: %v", c.id.Short(), url, err)
			c.errs.Emit(fmt.Errorf("dial %s: %w", url, err))
			c.finish(DisconnectEvent{Graceful: false, Reason: err.Error()})
			return
		}

		if c.attach(conn) {
			c.mu.Lock()
			c.started = true
			c.mu.Unlock()
			c.pump(conn)
			c.connected.Emit(struct{}{})
		}
	}()
}

// attach switches the connection to open. It returns false, closing conn,
// when the connection was closed meanwhile.
func (c *WebsocketConnection) attach(conn *websocket.Conn) bool {
	if c.maxMessage > 0 {
		conn.SetReadLimit(c.maxMessage)
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.state = stateOpen
	c.remoteAddr = conn.RemoteAddr().String()
	c.mu.Unlock()
	return true
}

func (c *WebsocketConnection) pump(conn *websocket.Conn) {
	go c.writeLoop(conn)
	go c.readLoop(conn)
}

// readLoop delivers inbound binary messages until the socket fails.
func (c *WebsocketConnection) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.finish(DisconnectEvent{
					Graceful: ce.Code == websocket.CloseNormalClosure,
					Code:     ce.Code,
					Reason:   ce.Text,
				})
			} else {
				c.finish(DisconnectEvent{Graceful: false, Reason: err.Error()})
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		util.Stats.AddRecv(len(data))
		c.data.Emit(data)
	}
}

// writeLoop is the single writer of conn.
func (c *WebsocketConnection) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case f := <-c.outbox:
			if f.close {
				deadline := time.Now().Add(closeWriteWindow)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				conn.Close()
				c.finish(DisconnectEvent{Graceful: true, Code: websocket.CloseNormalClosure})
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, f.data); err != nil {
				c.log.Debug("[%s] write failed: %v", c.id.Short(), err)
				c.errs.Emit(err)
				conn.Close()
				c.finish(DisconnectEvent{Graceful: false, Reason: err.Error()})
				return
			}
			util.Stats.AddSent(len(f.data))

		case <-c.done:
			return
		}
	}
}

// finish runs the terminal transition exactly once.
func (c *WebsocketConnection) finish(ev DisconnectEvent) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		conn := c.conn
		cancel := c.cancelDial
		destroyed := c.destroyed
		c.mu.Unlock()

		close(c.done)
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}

		c.connected.Seal()
		c.data.Seal()
		c.errs.Seal()
		if !destroyed {
			c.disconnected.Emit(ev)
		}
		c.disconnected.Seal()
	})
}

func (c *WebsocketConnection) ID() ConnectionID     { return c.id }
func (c *WebsocketConnection) Type() ConnectionType { return c.typ }

func (c *WebsocketConnection) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

// Send queues data behind earlier frames.
func (c *WebsocketConnection) Send(data []byte) error {
	c.mu.Lock()
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return ErrClosed
	}

	select {
	case c.outbox <- frame{data: data}:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close ends the connection. A graceful close on an open socket is queued
// behind pending frames; anything else closes immediately.
func (c *WebsocketConnection) Close(graceful bool) error {
	c.mu.Lock()
	state, started := c.state, c.started
	c.mu.Unlock()

	switch {
	case state == stateClosed:
		return nil
	case state == stateOpen && started && graceful:
		select {
		case c.outbox <- frame{close: true}:
		case <-c.done:
		}
	default:
		c.finish(DisconnectEvent{Graceful: graceful})
	}
	return nil
}

// Destroy closes immediately and silences every listener.
func (c *WebsocketConnection) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.finish(DisconnectEvent{})
}

func (c *WebsocketConnection) OnConnected(fn func()) func() {
	return c.connected.Add(func(struct{}) { fn() })
}

func (c *WebsocketConnection) OnData(fn func([]byte)) func() { return c.data.Add(fn) }

func (c *WebsocketConnection) OnDisconnected(fn func(DisconnectEvent)) func() {
	return c.disconnected.Add(fn)
}

func (c *WebsocketConnection) OnError(fn func(error)) func() { return c.errs.Add(fn) }
