package connector

import (
	"context"

	"go.uber.org/multierr"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
)

// RequestConnection asks target to dial local back, relaying the request
// over the live connections of this node.
func (c *Connector) RequestConnection(_ context.Context, local, target peer.Descriptor) error {
	return c.Relay(target, protocol.NewMessage(protocol.ServiceWebsocketConnector, protocol.MessageTypeRequest, protocol.Body{
		WebsocketConnectionRequest: &protocol.WebsocketConnectionRequest{Source: local, Target: target},
	}))
}

// Relay sends msg toward target: directly when connected to it, otherwise
// to every live peer, which forwards it one hop if it can.
func (c *Connector) Relay(target peer.Descriptor, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	var conns []transport.Connection
	if s, ok := c.live[target.NodeID]; ok {
		conns = append(conns, s.conn)
	} else {
		for _, s := range c.live {
			conns = append(conns, s.conn)
		}
	}
	c.mu.Unlock()

	if len(conns) == 0 {
		return ErrNoRoute
	}
	var errs error
	sent := 0
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return errs
	}
	return nil
}

// systemHandler consumes relayed system messages arriving on a live
// connection; everything else is left to higher layers.
func (c *Connector) systemHandler(from transport.Connection) func([]byte) {
	return func(data []byte) {
		msg, err := protocol.Decode(data, c.opts.MaxMessageSize)
		if err != nil {
			return
		}
		target, ok := relayTarget(msg)
		if !ok {
			return
		}
		if target.NodeID != c.local.NodeID {
			c.forward(target.NodeID, data, from)
			return
		}

		switch {
		case msg.Body.WebsocketConnectionRequest != nil:
			source := msg.Body.WebsocketConnectionRequest.Source
			c.log.Debug("%s asks us to connect back", source.NodeID.Short())
			c.Connect(source)
		default:
			c.mu.Lock()
			w := c.webrtc
			c.mu.Unlock()
			if w != nil {
				w.HandleSignal(msg)
			}
		}
	}
}

func (c *Connector) forward(id peer.NodeID, data []byte, from transport.Connection) {
	c.mu.Lock()
	s, ok := c.live[id]
	c.mu.Unlock()
	if !ok || s.conn == from {
		return
	}
	if err := s.conn.Send(data); err != nil {
		c.log.Debug("forward to %s failed: %v", id.Short(), err)
	}
}

// relayTarget returns the addressee of a relayable system message.
func relayTarget(msg *protocol.Message) (peer.Descriptor, bool) {
	b := msg.Body
	switch msg.ServiceID {
	case protocol.ServiceWebsocketConnector:
		if b.WebsocketConnectionRequest != nil {
			return b.WebsocketConnectionRequest.Target, true
		}
	case protocol.ServiceWebrtcSignalling:
		switch {
		case b.RtcOffer != nil:
			return b.RtcOffer.Target, true
		case b.RtcAnswer != nil:
			return b.RtcAnswer.Target, true
		case b.IceCandidate != nil:
			return b.IceCandidate.Target, true
		}
	}
	return peer.Descriptor{}, false
}
