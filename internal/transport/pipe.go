package transport

import (
	"sync"

	"github.com/1ureka/meshlink/internal/util"
)

// PipeConnection is one end of an in-process connection pair. Messages are
// delivered to the other end in order by a dedicated goroutine.
type PipeConnection struct {
	id   ConnectionID
	typ  ConnectionType
	addr string
	peer *PipeConnection

	mu        sync.Mutex
	state     connState
	destroyed bool
	inbox     chan pipeItem
	done      chan struct{}
	once      sync.Once

	connected    Listeners[struct{}]
	data         Listeners[[]byte]
	disconnected Listeners[DisconnectEvent]
	errs         Listeners[error]
}

type pipeItem struct {
	data     []byte
	close    bool
	graceful bool
}

var _ Connection = (*PipeConnection)(nil)

// NewPipe returns two linked, not yet open ends. Call Open on either end to
// emit Connected on both.
func NewPipe(typA, typB ConnectionType) (a, b *PipeConnection) {
	a = newPipeEnd(typA, "pipe-a")
	b = newPipeEnd(typB, "pipe-b")
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeEnd(typ ConnectionType, addr string) *PipeConnection {
	return &PipeConnection{
		id:    NewConnectionID(),
		typ:   typ,
		addr:  addr,
		inbox: make(chan pipeItem, outboxSize),
		done:  make(chan struct{}),
	}
}

// Open marks both ends open and emits Connected on each.
func (p *PipeConnection) Open() {
	for _, end := range []*PipeConnection{p, p.peer} {
		end.mu.Lock()
		ok := end.state == stateConnecting
		if ok {
			end.state = stateOpen
		}
		end.mu.Unlock()
		if ok {
			end.connected.Emit(struct{}{})
		}
	}
}

// pump delivers items queued by the other end.
func (p *PipeConnection) pump() {
	for {
		select {
		case item := <-p.inbox:
			if item.close {
				p.finish(DisconnectEvent{Graceful: item.graceful})
				return
			}
			util.Stats.AddRecv(len(item.data))
			p.data.Emit(item.data)
		case <-p.done:
			return
		}
	}
}

func (p *PipeConnection) finish(ev DisconnectEvent) {
	p.once.Do(func() {
		p.mu.Lock()
		p.state = stateClosed
		destroyed := p.destroyed
		p.mu.Unlock()

		close(p.done)
		p.connected.Seal()
		p.data.Seal()
		p.errs.Seal()
		if !destroyed {
			p.disconnected.Emit(ev)
		}
		p.disconnected.Seal()
	})
}

// notifyPeer queues the close marker behind data already sent.
func (p *PipeConnection) notifyPeer(graceful bool) {
	select {
	case p.peer.inbox <- pipeItem{close: true, graceful: graceful}:
	case <-p.peer.done:
	}
}

func (p *PipeConnection) ID() ConnectionID     { return p.id }
func (p *PipeConnection) Type() ConnectionType { return p.typ }
func (p *PipeConnection) RemoteAddr() string   { return p.peer.addr }

func (p *PipeConnection) Send(data []byte) error {
	p.mu.Lock()
	open := p.state == stateOpen
	p.mu.Unlock()
	if !open {
		return ErrClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.peer.inbox <- pipeItem{data: buf}:
		util.Stats.AddSent(len(buf))
		return nil
	case <-p.peer.done:
		return ErrClosed
	case <-p.done:
		return ErrClosed
	}
}

func (p *PipeConnection) Close(graceful bool) error {
	p.mu.Lock()
	closed := p.state == stateClosed
	p.mu.Unlock()
	if closed {
		return nil
	}
	p.finish(DisconnectEvent{Graceful: graceful})
	p.notifyPeer(graceful)
	return nil
}

func (p *PipeConnection) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	closed := p.state == stateClosed
	p.mu.Unlock()
	if closed {
		return
	}
	p.finish(DisconnectEvent{})
	p.notifyPeer(false)
}

func (p *PipeConnection) OnConnected(fn func()) func() {
	return p.connected.Add(func(struct{}) { fn() })
}

func (p *PipeConnection) OnData(fn func([]byte)) func() { return p.data.Add(fn) }

func (p *PipeConnection) OnDisconnected(fn func(DisconnectEvent)) func() {
	return p.disconnected.Add(fn)
}

func (p *PipeConnection) OnError(fn func(error)) func() { return p.errs.Add(fn) }
