// Package config loads the node configuration from a YAML file and
// command-line overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/meshlink/internal/connector"
	"github.com/1ureka/meshlink/internal/connectivity"
	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/pending"
	"github.com/1ureka/meshlink/internal/protocol"
)

// Config is the full configuration of a node.
type Config struct {
	// NodeID is the hex node id. A random id is used when empty.
	NodeID string `yaml:"node_id"`

	// NodeType is "normal" or "browser".
	NodeType string `yaml:"node_type"`

	Websocket    WebsocketConfig    `yaml:"websocket"`
	Webrtc       WebrtcConfig       `yaml:"webrtc"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// EntryPoints are asked for the public address of the node at startup.
	EntryPoints []Peer `yaml:"entry_points"`

	// Peers are connected to once the node is up.
	Peers []Peer `yaml:"peers"`

	PendingTimeout time.Duration `yaml:"pending_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`

	// GeoIPDatabase is an optional MaxMind city database used to locate
	// connectivity requesters.
	GeoIPDatabase string `yaml:"geoip_database"`

	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9100".
	MetricsAddr string `yaml:"metrics_addr"`

	Debug bool `yaml:"debug"`
}

// WebsocketConfig describes the local WebSocket server.
type WebsocketConfig struct {
	Enabled bool `yaml:"enabled"`

	// Bind is the listen host. Host is the address advertised to peers and
	// defaults to Bind.
	Bind  string              `yaml:"bind"`
	Host  string              `yaml:"host"`
	Ports connector.PortRange `yaml:"ports"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// AcceptSelfSigned skips certificate checks when dialling wss:// peers.
	AcceptSelfSigned bool `yaml:"accept_self_signed"`
}

// WebrtcConfig enables the WebRTC fallback.
type WebrtcConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ICEServers []string `yaml:"ice_servers"`
}

// ConnectivityConfig tunes the startup probe and the verifier.
type ConnectivityConfig struct {
	Attempts        int           `yaml:"attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
}

// Peer is a remote node known by configuration.
type Peer struct {
	NodeID    string        `yaml:"node_id"`
	Type      string        `yaml:"type"`
	Websocket peer.Endpoint `yaml:"websocket"`
}

// Descriptor converts p into a peer descriptor.
func (p Peer) Descriptor() (peer.Descriptor, error) {
	id, err := peer.ParseNodeID(p.NodeID)
	if err != nil {
		return peer.Descriptor{}, err
	}
	typ, err := peer.ParseType(p.Type)
	if err != nil {
		return peer.Descriptor{}, err
	}
	if p.Websocket.Host == "" || p.Websocket.Port <= 0 || p.Websocket.Port > 65535 {
		return peer.Descriptor{}, fmt.Errorf("peer %s: invalid websocket endpoint %s", p.NodeID, p.Websocket)
	}
	ws := p.Websocket
	return peer.NewDescriptor(id, typ, &ws), nil
}

// ParsePeer reads a peer written as <node-id>@ws[s]://host:port.
func ParsePeer(s string) (Peer, error) {
	id, rawURL, ok := strings.Cut(s, "@")
	if !ok {
		return Peer{}, fmt.Errorf("peer %q: want <node-id>@<ws-url>", s)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Peer{}, fmt.Errorf("peer %q: %w", s, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Peer{}, fmt.Errorf("peer %q: scheme must be ws or wss", s)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Peer{}, fmt.Errorf("peer %q: missing port", s)
	}
	return Peer{
		NodeID:    id,
		Websocket: peer.Endpoint{Host: u.Hostname(), Port: port, TLS: u.Scheme == "wss"},
	}, nil
}

// Default returns the configuration used for every field a file or flag
// leaves unset.
func Default() *Config {
	return &Config{
		NodeType: "normal",
		Websocket: WebsocketConfig{
			Bind: "0.0.0.0",
		},
		Connectivity: ConnectivityConfig{
			Attempts:        connectivity.DefaultAttempts,
			Backoff:         connectivity.DefaultBackoff,
			ResponseTimeout: connectivity.DefaultResponseTimeout,
			ProbeTimeout:    connectivity.DefaultProbeTimeout,
		},
		PendingTimeout: pending.DefaultTimeout,
		MaxMessageSize: protocol.DefaultMaxMessageSize,
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return c, nil
}

// RegisterFlags declares the command-line overrides on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("node-id", "", "hex node id (random when empty)")
	fs.String("node-type", "", "node type: normal or browser")
	fs.Bool("websocket", false, "run a WebSocket server")
	fs.String("ws-bind", "", "WebSocket listen host")
	fs.String("ws-host", "", "WebSocket host advertised to peers")
	fs.String("ws-ports", "", "WebSocket port range, e.g. 9000-9010")
	fs.String("tls-cert", "", "TLS certificate file for wss://")
	fs.String("tls-key", "", "TLS key file for wss://")
	fs.Bool("accept-self-signed", false, "accept self-signed certificates when dialling")
	fs.StringSlice("entry-point", nil, "entry point as <node-id>@<ws-url> (repeatable)")
	fs.StringSlice("peer", nil, "peer to connect to as <node-id>@<ws-url> (repeatable)")
	fs.Bool("webrtc", false, "enable the WebRTC fallback")
	fs.Duration("pending-timeout", 0, "deadline of a connection attempt")
	fs.String("geoip", "", "MaxMind GeoIP2/GeoLite2 city database")
	fs.String("metrics", "", "serve Prometheus metrics on this address")
	fs.Bool("debug", false, "enable debug logging")
}

// FromFlags loads the file named by --config and applies every flag set
// explicitly on top of it.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	var errs error
	fs.Visit(func(f *pflag.Flag) {
		if err := c.apply(fs, f.Name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	if errs != nil {
		return nil, errs
	}
	return c, nil
}

func (c *Config) apply(fs *pflag.FlagSet, name string) error {
	var err error
	switch name {
	case "node-id":
		c.NodeID, err = fs.GetString(name)
	case "node-type":
		c.NodeType, err = fs.GetString(name)
	case "websocket":
		c.Websocket.Enabled, err = fs.GetBool(name)
	case "ws-bind":
		c.Websocket.Bind, err = fs.GetString(name)
	case "ws-host":
		c.Websocket.Host, err = fs.GetString(name)
	case "ws-ports":
		var raw string
		if raw, err = fs.GetString(name); err == nil {
			c.Websocket.Ports, err = ParsePortRange(raw)
		}
	case "tls-cert":
		c.Websocket.TLSCertFile, err = fs.GetString(name)
	case "tls-key":
		c.Websocket.TLSKeyFile, err = fs.GetString(name)
	case "accept-self-signed":
		c.Websocket.AcceptSelfSigned, err = fs.GetBool(name)
	case "entry-point":
		c.EntryPoints, err = peersFlag(fs, name)
	case "peer":
		c.Peers, err = peersFlag(fs, name)
	case "webrtc":
		c.Webrtc.Enabled, err = fs.GetBool(name)
	case "pending-timeout":
		c.PendingTimeout, err = fs.GetDuration(name)
	case "geoip":
		c.GeoIPDatabase, err = fs.GetString(name)
	case "metrics":
		c.MetricsAddr, err = fs.GetString(name)
	case "debug":
		c.Debug, err = fs.GetBool(name)
	}
	return err
}

func peersFlag(fs *pflag.FlagSet, name string) ([]Peer, error) {
	raw, err := fs.GetStringSlice(name)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePeer(s)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// ParsePortRange reads "9000" or "9000-9010".
func ParsePortRange(s string) (connector.PortRange, error) {
	lo, hi, found := strings.Cut(s, "-")
	from, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return connector.PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	to := from
	if found {
		if to, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return connector.PortRange{}, fmt.Errorf("invalid port range %q", s)
		}
	}
	return connector.PortRange{Min: from, Max: to}, nil
}

// Validate reports every problem of c at once.
func (c *Config) Validate() error {
	var errs error
	if c.NodeID != "" {
		if _, err := peer.ParseNodeID(c.NodeID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node_id: %w", err))
		}
	}
	if _, err := peer.ParseType(c.NodeType); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("node_type: %w", err))
	}

	ws := c.Websocket
	if r := ws.Ports; r != (connector.PortRange{}) {
		if r.Min < 1 || r.Max > 65535 || r.Min > r.Max {
			errs = multierr.Append(errs, fmt.Errorf("websocket.ports: invalid range %d-%d", r.Min, r.Max))
		}
	}
	if (ws.TLSCertFile == "") != (ws.TLSKeyFile == "") {
		errs = multierr.Append(errs, errors.New("websocket: tls_cert_file and tls_key_file must be set together"))
	}
	for _, f := range []string{ws.TLSCertFile, ws.TLSKeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("websocket: %w", err))
		}
	}

	for i, p := range c.EntryPoints {
		if _, err := p.Descriptor(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry_points[%d]: %w", i, err))
		}
	}
	for i, p := range c.Peers {
		if _, err := p.Descriptor(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peers[%d]: %w", i, err))
		}
	}

	if c.PendingTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("pending_timeout must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = multierr.Append(errs, errors.New("max_message_size must be positive"))
	}
	if c.Connectivity.Attempts < 1 {
		errs = multierr.Append(errs, errors.New("connectivity.attempts must be at least 1"))
	}
	return errs
}

// LocalID returns the configured node id, or a random one.
func (c *Config) LocalID() (peer.NodeID, error) {
	if c.NodeID == "" {
		return peer.RandomNodeID(), nil
	}
	return peer.ParseNodeID(c.NodeID)
}

// Descriptors converts a peer list, failing on the first invalid entry.
func Descriptors(peers []Peer) ([]peer.Descriptor, error) {
	out := make([]peer.Descriptor, 0, len(peers))
	for _, p := range peers {
		d, err := p.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
