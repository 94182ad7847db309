package main

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/connectivity"
	"github.com/1ureka/meshlink/internal/connector"
	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
	"github.com/1ureka/meshlink/internal/webrtc"
)

// node is the assembled runtime of one process.
type node struct {
	log       util.Logger
	server    *connector.Server
	connector *connector.Connector
	webrtc    *webrtc.Manager
	geoip     *connectivity.GeoIPLocator
}

// startNode brings a node up in order: server, connectivity check against
// the entry points, connector, then the configured peers. A node with entry
// points refuses to start when none of them answers.
func startNode(ctx context.Context, cfg *config.Config) (*node, error) {
	n := &node{log: util.NewLogger("node")}
	if err := n.start(ctx, cfg); err != nil {
		_ = n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) start(ctx context.Context, cfg *config.Config) error {
	id, err := cfg.LocalID()
	if err != nil {
		return err
	}
	typ, err := peer.ParseType(cfg.NodeType)
	if err != nil {
		return err
	}
	entries, err := config.Descriptors(cfg.EntryPoints)
	if err != nil {
		return err
	}
	peers, err := config.Descriptors(cfg.Peers)
	if err != nil {
		return err
	}

	var locator connectivity.Locator
	if cfg.GeoIPDatabase != "" {
		if n.geoip, err = connectivity.OpenGeoIP(cfg.GeoIPDatabase, 0); err != nil {
			return err
		}
		locator = n.geoip
	}

	var configured *peer.Endpoint
	if cfg.Websocket.Enabled {
		ws := cfg.Websocket
		n.server = connector.NewServer(connector.ServerOptions{
			Host:           ws.Bind,
			Ports:          ws.Ports,
			TLSCertFile:    ws.TLSCertFile,
			TLSKeyFile:     ws.TLSKeyFile,
			MaxMessageSize: cfg.MaxMessageSize,
			Verifier: connectivity.NewVerifier(connectivity.VerifierOptions{
				Locator:        locator,
				ProbeTimeout:   cfg.Connectivity.ProbeTimeout,
				MaxMessageSize: cfg.MaxMessageSize,
			}),
		})
		if _, err := n.server.Start(); err != nil {
			return err
		}
		host := ws.Host
		if host == "" {
			host = ws.Bind
		}
		ep := n.server.Endpoint(host)
		configured = &ep
	}

	var resp *protocol.ConnectivityResponse
	if len(entries) > 0 {
		req := protocol.ConnectivityRequest{SelfSigned: cfg.Websocket.AcceptSelfSigned}
		if configured != nil {
			req.Host = cfg.Websocket.Host
			req.Port = configured.Port
			req.TLS = configured.TLS
		}
		resp, err = connectivity.Probe(ctx, entries, req, connectivity.ProbeOptions{
			Attempts: cfg.Connectivity.Attempts,
			Backoff:  cfg.Connectivity.Backoff,
			Request: connectivity.RequestOptions{
				Timeout:          cfg.Connectivity.ResponseTimeout,
				AcceptSelfSigned: cfg.Websocket.AcceptSelfSigned,
				MaxMessageSize:   cfg.MaxMessageSize,
			},
		})
		if err != nil {
			return fmt.Errorf("connectivity check failed: %w", err)
		}
		n.log.Info("entry point sees us at %s (%s)", resp.IPAddress, resp.NatType)
	}
	local := connectivity.SelfDescriptor(id, typ, configured, resp)

	n.connector = connector.New(local, connector.Options{
		PendingTimeout:   cfg.PendingTimeout,
		MaxMessageSize:   cfg.MaxMessageSize,
		AcceptSelfSigned: cfg.Websocket.AcceptSelfSigned,
	})
	if n.server != nil {
		n.connector.Listen(n.server)
	}
	if cfg.Webrtc.Enabled {
		n.webrtc = webrtc.NewManager(local, n.connector, webrtc.Options{
			ICEServers:     cfg.Webrtc.ICEServers,
			MaxMessageSize: cfg.MaxMessageSize,
		})
		n.webrtc.OnIncoming(n.connector.OnIncomingSocket)
		n.connector.UseWebrtc(n.webrtc)
	}
	n.connector.OnConnected(func(ev connector.Event) {
		n.log.Info("peer %s connected over %s", ev.Remote, ev.Conn.Type())
	})
	n.connector.OnDisconnected(func(ev connector.Event) {
		n.log.Info("peer %s left (graceful=%t)", ev.Remote.NodeID.Short(), ev.Graceful)
	})

	util.StartStatsReporter(ctx)
	if cfg.MetricsAddr != "" {
		reg := util.NewMetricsRegistry()
		go func() {
			if err := util.ServeMetrics(ctx, cfg.MetricsAddr, reg); err != nil {
				n.log.Error("%v", err)
			}
		}()
	}

	// Entry points double as the first relays for connect-back requests.
	for _, d := range append(entries, peers...) {
		n.connector.Connect(d)
	}
	return nil
}

// close tears everything down; the connector also closes the server.
func (n *node) close() error {
	var errs error
	if n.webrtc != nil {
		n.webrtc.Close()
	}
	switch {
	case n.connector != nil:
		errs = multierr.Append(errs, n.connector.Destroy())
	case n.server != nil:
		errs = multierr.Append(errs, n.server.Close())
	}
	if n.geoip != nil {
		errs = multierr.Append(errs, n.geoip.Close())
		n.geoip = nil
	}
	return errs
}
