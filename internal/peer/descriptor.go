// Package peer defines the identity and address record of a network node.
package peer

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// IDLength is the size of a node identifier in bytes.
const IDLength = 20

// NodeID is the fixed-length key that identifies a node.
type NodeID [IDLength]byte

// RandomNodeID returns a cryptographically random identifier.
func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// ParseNodeID decodes the hex form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(raw) != IDLength {
		return id, fmt.Errorf("invalid node id %q: want %d bytes, got %d", s, IDLength, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// Short returns an abbreviated form for log lines.
func (id NodeID) Short() string { return hex.EncodeToString(id[:4]) }

// Compare orders identifiers bytewise.
func (id NodeID) Compare(other NodeID) int { return bytes.Compare(id[:], other[:]) }

// IsZero reports whether the identifier is unset.
func (id NodeID) IsZero() bool { return id == NodeID{} }

// Type is the kind of runtime a node runs in.
type Type uint8

const (
	TypeNormal Type = iota
	TypeBrowser
)

func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "NORMAL"
	case TypeBrowser:
		return "BROWSER"
	default:
		return "Type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseType accepts "normal" or "browser" in any case used by configs.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "normal", "NORMAL":
		return TypeNormal, nil
	case "browser", "BROWSER":
		return TypeBrowser, nil
	}
	return TypeNormal, fmt.Errorf("unknown node type %q", s)
}

// Endpoint is a WebSocket listen address.
type Endpoint struct {
	Host string `cbor:"1,keyasint" yaml:"host"`
	Port int    `cbor:"2,keyasint" yaml:"port"`
	TLS  bool   `cbor:"3,keyasint" yaml:"tls"`
}

// URL renders the endpoint as a ws:// or wss:// address.
func (e Endpoint) URL() string {
	scheme := "ws"
	if e.TLS {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BrowserReachable reports whether a browser could open a socket to the
// endpoint: browsers refuse plain ws:// to public hosts, but allow it for
// localhost and private networks.
func (e Endpoint) BrowserReachable() bool {
	if e.TLS || e.Host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(e.Host)
	if err != nil {
		return false
	}
	return addr.Is4() && addr.IsPrivate()
}

func (e Endpoint) String() string { return e.URL() }

// Descriptor is the immutable identity and address record of a node.
// It is a value type: copy it freely and compare with Equal.
type Descriptor struct {
	NodeID    NodeID    `cbor:"1,keyasint"`
	Type      Type      `cbor:"2,keyasint"`
	Websocket *Endpoint `cbor:"3,keyasint,omitempty"`
}

// NewDescriptor builds a descriptor. A nil endpoint means the node runs no
// WebSocket server.
func NewDescriptor(id NodeID, typ Type, ws *Endpoint) Descriptor {
	d := Descriptor{NodeID: id, Type: typ}
	if ws != nil {
		e := *ws
		d.Websocket = &e
	}
	return d
}

// HasWebsocket reports whether the node advertises a WebSocket endpoint.
func (d Descriptor) HasWebsocket() bool { return d.Websocket != nil }

// IsBrowser reports whether the node runs inside a browser.
func (d Descriptor) IsBrowser() bool { return d.Type == TypeBrowser }

// Equal reports whether both descriptors carry the same node identifier and
// the same endpoint fields.
func (d Descriptor) Equal(other Descriptor) bool {
	if d.NodeID != other.NodeID {
		return false
	}
	switch {
	case d.Websocket == nil && other.Websocket == nil:
		return true
	case d.Websocket == nil || other.Websocket == nil:
		return false
	}
	return *d.Websocket == *other.Websocket
}

func (d Descriptor) String() string {
	if d.Websocket == nil {
		return fmt.Sprintf("%s(%s)", d.NodeID.Short(), d.Type)
	}
	return fmt.Sprintf("%s(%s %s)", d.NodeID.Short(), d.Type, d.Websocket.URL())
}
