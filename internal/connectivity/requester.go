// Package connectivity lets a node learn whether it is reachable from the
// open internet by asking an entry point to dial it back.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

// Query markers tell the WebSocket server what an incoming socket is for.
const (
	RequestQuery = "connectivityRequest"
	ProbeQuery   = "connectivityProbe"
)

// DefaultResponseTimeout bounds the wait for a ConnectivityResponse.
const DefaultResponseTimeout = 5 * time.Second

var (
	ErrResponseTimeout      = errors.New("connectivity response timed out")
	ErrNoWebsocket          = errors.New("entry point has no websocket endpoint")
	ErrUnsupportedVersion   = errors.New("entry point speaks an unsupported protocol version")
	ErrClosedBeforeResponse = errors.New("entry point closed the socket before responding")
)

// RequestOptions tune a single connectivity request.
type RequestOptions struct {
	Timeout          time.Duration
	AcceptSelfSigned bool
	MaxMessageSize   int
}

// RequestURL returns the address a connectivity request is sent to.
func RequestURL(ep peer.Endpoint) string {
	return ep.URL() + "/?" + RequestQuery + "=true"
}

// ProbeURL returns the address a verifier dials back.
func ProbeURL(ep peer.Endpoint) string {
	return ep.URL() + "/?" + ProbeQuery + "=true"
}

type result struct {
	resp *protocol.ConnectivityResponse
	err  error
}

// SendRequest asks entryPoint to classify this node. The socket to the entry
// point is closed before returning, whatever the outcome.
func SendRequest(ctx context.Context, entryPoint peer.Descriptor, req protocol.ConnectivityRequest, opts RequestOptions) (*protocol.ConnectivityResponse, error) {
	if !entryPoint.HasWebsocket() {
		return nil, ErrNoWebsocket
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultResponseTimeout
	}
	log := util.NewLogger("connectivity")

	conn := transport.NewWebsocketClient(opts.MaxMessageSize)
	done := make(chan result, 1)
	deliver := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	conn.OnConnected(func() {
		data, err := protocol.Encode(protocol.NewMessage(protocol.ServiceConnectivity, protocol.MessageTypeRequest, protocol.Body{
			ConnectivityRequest: &req,
		}))
		if err == nil {
			err = conn.Send(data)
		}
		if err != nil {
			deliver(result{err: fmt.Errorf("send connectivity request: %w", err)})
		}
	})
	conn.OnData(func(data []byte) {
		msg, err := protocol.Decode(data, opts.MaxMessageSize)
		if err != nil {
			log.Debug("[%s] dropping undecodable message: %v", conn.ID().Short(), err)
			return
		}
		if msg.ServiceID != protocol.ServiceConnectivity || msg.Body.ConnectivityResponse == nil {
			return
		}
		deliver(result{resp: msg.Body.ConnectivityResponse})
	})
	conn.OnError(func(err error) { deliver(result{err: err}) })
	conn.OnDisconnected(func(transport.DisconnectEvent) { deliver(result{err: ErrClosedBeforeResponse}) })

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	defer conn.Close(true)

	log.Debug("[%s] requesting connectivity check from %s", conn.ID().Short(), entryPoint)
	conn.Connect(ctx, RequestURL(*entryPoint.Websocket), transport.DialOptions{AcceptSelfSigned: opts.AcceptSelfSigned})

	var r result
	select {
	case r = <-done:
	case <-timer.C:
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	if !protocol.IsMaybeSupportedVersion(r.resp.Version) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.resp.Version)
	}
	return r.resp, nil
}
