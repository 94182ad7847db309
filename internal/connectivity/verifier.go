package connectivity

import (
	"context"
	"net"
	"time"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

// DefaultProbeTimeout bounds the dial-back to a requester.
const DefaultProbeTimeout = 3 * time.Second

// VerifierOptions configure a Verifier.
type VerifierOptions struct {
	// Locator attaches coordinates to responses when set.
	Locator        Locator
	ProbeTimeout   time.Duration
	MaxMessageSize int
}

// Verifier answers connectivity requests arriving on the local WebSocket
// server by dialling the requester back.
type Verifier struct {
	opts VerifierOptions
	log  util.Logger
}

func NewVerifier(opts VerifierOptions) *Verifier {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Verifier{opts: opts, log: util.NewLogger("verifier")}
}

// Attach serves connectivity requests on conn, a socket accepted with the
// request marker. The requester owns the socket and closes it.
func (v *Verifier) Attach(ctx context.Context, conn transport.Connection) {
	observed := observedIP(conn.RemoteAddr())
	conn.OnData(func(data []byte) {
		msg, err := protocol.Decode(data, v.opts.MaxMessageSize)
		if err != nil {
			v.log.Debug("[%s] dropping undecodable message: %v", conn.ID().Short(), err)
			return
		}
		if msg.ServiceID != protocol.ServiceConnectivity || msg.Body.ConnectivityRequest == nil {
			return
		}
		req := *msg.Body.ConnectivityRequest
		go v.respond(ctx, conn, req, observed)
	})
}

func (v *Verifier) respond(ctx context.Context, conn transport.Connection, req protocol.ConnectivityRequest, observed string) {
	resp := v.Verify(ctx, req, observed)
	data, err := protocol.Encode(protocol.NewMessage(protocol.ServiceConnectivity, protocol.MessageTypeResponse, protocol.Body{
		ConnectivityResponse: resp,
	}))
	if err != nil {
		v.log.Warn("encode connectivity response: %v", err)
		return
	}
	if err := conn.Send(data); err != nil {
		v.log.Debug("[%s] send connectivity response: %v", conn.ID().Short(), err)
	}
}

// Verify classifies a requester seen at observed. Port 0 skips the probe.
func (v *Verifier) Verify(ctx context.Context, req protocol.ConnectivityRequest, observed string) *protocol.ConnectivityResponse {
	host := req.Host
	if host == "" {
		host = observed
	}
	resp := &protocol.ConnectivityResponse{
		Host:      host,
		NatType:   protocol.NatTypeUnknown,
		IPAddress: observed,
		Version:   protocol.LocalVersion,
	}

	if req.Port != 0 {
		ep := peer.Endpoint{Host: host, Port: req.Port, TLS: req.TLS}
		if v.probe(ctx, ep, req.SelfSigned) {
			resp.NatType = protocol.NatTypeOpenInternet
			resp.Websocket = &ep
		}
	}

	if v.opts.Locator != nil {
		if loc, ok := v.opts.Locator.Locate(observed); ok {
			lat, lon := loc.Latitude, loc.Longitude
			resp.Latitude, resp.Longitude = &lat, &lon
		}
	}

	v.log.Debug("requester %s classified %s", host, resp.NatType)
	return resp
}

// probe dials ep and closes the socket as soon as the outcome is known.
func (v *Verifier) probe(ctx context.Context, ep peer.Endpoint, selfSigned bool) bool {
	conn := transport.NewWebsocketClient(v.opts.MaxMessageSize)
	outcome := make(chan bool, 1)
	report := func(ok bool) {
		select {
		case outcome <- ok:
		default:
		}
	}
	conn.OnConnected(func() { report(true) })
	conn.OnDisconnected(func(transport.DisconnectEvent) { report(false) })
	defer conn.Close(true)

	conn.Connect(ctx, ProbeURL(ep), transport.DialOptions{AcceptSelfSigned: selfSigned})

	timer := time.NewTimer(v.opts.ProbeTimeout)
	defer timer.Stop()
	select {
	case ok := <-outcome:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func observedIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
