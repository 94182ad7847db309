// Package protocol defines the wire messages exchanged before application
// traffic is allowed on a connection.
package protocol

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/1ureka/meshlink/internal/peer"
)

// Service identifiers multiplex the system protocols on a single connection.
const (
	ServiceConnectivity       = "system/connectivity-checker"
	ServiceHandshake          = "system/handshaker"
	ServiceWebsocketConnector = "system/websocket-connector"
	ServiceWebrtcSignalling   = "system/webrtc-signalling"
)

// MessageType distinguishes requests from responses.
type MessageType uint8

const (
	MessageTypeRequest MessageType = iota
	MessageTypeResponse
)

// Message is the envelope of every system message. Exactly one field of
// Body is set.
type Message struct {
	ServiceID   string      `cbor:"1,keyasint"`
	MessageID   string      `cbor:"2,keyasint"`
	MessageType MessageType `cbor:"3,keyasint"`
	Body        Body        `cbor:"4,keyasint"`
}

// Body is a oneof: the decoder rejects messages with zero or several
// variants set.
type Body struct {
	ConnectivityRequest        *ConnectivityRequest        `cbor:"1,keyasint,omitempty"`
	ConnectivityResponse       *ConnectivityResponse       `cbor:"2,keyasint,omitempty"`
	HandshakeRequest           *HandshakeRequest           `cbor:"3,keyasint,omitempty"`
	HandshakeResponse          *HandshakeResponse          `cbor:"4,keyasint,omitempty"`
	WebsocketConnectionRequest *WebsocketConnectionRequest `cbor:"5,keyasint,omitempty"`
	RtcOffer                   *RtcOffer                   `cbor:"6,keyasint,omitempty"`
	RtcAnswer                  *RtcAnswer                  `cbor:"7,keyasint,omitempty"`
	IceCandidate               *IceCandidate               `cbor:"8,keyasint,omitempty"`
}

func (b Body) variants() int {
	n := 0
	for _, set := range []bool{
		b.ConnectivityRequest != nil,
		b.ConnectivityResponse != nil,
		b.HandshakeRequest != nil,
		b.HandshakeResponse != nil,
		b.WebsocketConnectionRequest != nil,
		b.RtcOffer != nil,
		b.RtcAnswer != nil,
		b.IceCandidate != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// NewMessage wraps body in an envelope with a fresh message id.
func NewMessage(serviceID string, typ MessageType, body Body) *Message {
	return &Message{
		ServiceID:   serviceID,
		MessageID:   uuid.NewString(),
		MessageType: typ,
		Body:        body,
	}
}

// ---------------------------------------------------------------------------
// Connectivity
// ---------------------------------------------------------------------------

// NatType is the reachability classification returned by a verifier.
type NatType uint8

const (
	NatTypeUnknown NatType = iota
	NatTypeOpenInternet
)

func (n NatType) String() string {
	switch n {
	case NatTypeOpenInternet:
		return "OPEN_INTERNET"
	case NatTypeUnknown:
		return "UNKNOWN"
	default:
		return "NatType(" + strconv.Itoa(int(n)) + ")"
	}
}

// ConnectivityRequest asks an entry point to dial back the requester.
// Port 0 means the requester runs no server and no probe is made.
type ConnectivityRequest struct {
	Port       int    `cbor:"1,keyasint"`
	Host       string `cbor:"2,keyasint,omitempty"`
	TLS        bool   `cbor:"3,keyasint"`
	SelfSigned bool   `cbor:"4,keyasint"`
}

// ConnectivityResponse reports how the entry point sees the requester.
type ConnectivityResponse struct {
	Host      string         `cbor:"1,keyasint"`
	NatType   NatType        `cbor:"2,keyasint"`
	Websocket *peer.Endpoint `cbor:"3,keyasint,omitempty"`
	IPAddress string         `cbor:"4,keyasint"`
	Latitude  *float64       `cbor:"5,keyasint,omitempty"`
	Longitude *float64       `cbor:"6,keyasint,omitempty"`
	Version   string         `cbor:"7,keyasint"`
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// HandshakeError is the rejection reason carried in a HandshakeResponse.
type HandshakeError uint8

const (
	ErrInvalidTargetPeerDescriptor HandshakeError = iota
	ErrUnsupportedVersion
	ErrDuplicateConnection
)

func (e HandshakeError) String() string {
	switch e {
	case ErrInvalidTargetPeerDescriptor:
		return "INVALID_TARGET_PEER_DESCRIPTOR"
	case ErrUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case ErrDuplicateConnection:
		return "DUPLICATE_CONNECTION"
	default:
		return "HandshakeError(" + strconv.Itoa(int(e)) + ")"
	}
}

func (e HandshakeError) Error() string { return "handshake rejected: " + e.String() }

// HandshakeRequest opens the handshake. Target is optional: it is unset
// when the dialer does not know the identity behind the address.
type HandshakeRequest struct {
	Source  peer.Descriptor  `cbor:"1,keyasint"`
	Target  *peer.Descriptor `cbor:"2,keyasint,omitempty"`
	Version string           `cbor:"3,keyasint"`
}

// HandshakeResponse accepts the handshake when Error is nil.
type HandshakeResponse struct {
	Source  peer.Descriptor `cbor:"1,keyasint"`
	Version string          `cbor:"2,keyasint"`
	Error   *HandshakeError `cbor:"3,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Relayed connection setup
// ---------------------------------------------------------------------------

// WebsocketConnectionRequest asks Target to dial Source's WebSocket server.
type WebsocketConnectionRequest struct {
	Source peer.Descriptor `cbor:"1,keyasint"`
	Target peer.Descriptor `cbor:"2,keyasint"`
}

// RtcOffer carries an SDP offer from Source to Target.
type RtcOffer struct {
	Source       peer.Descriptor `cbor:"1,keyasint"`
	Target       peer.Descriptor `cbor:"2,keyasint"`
	SDP          string          `cbor:"3,keyasint"`
	ConnectionID string          `cbor:"4,keyasint"`
}

// RtcAnswer carries the SDP answer to an RtcOffer.
type RtcAnswer struct {
	Source       peer.Descriptor `cbor:"1,keyasint"`
	Target       peer.Descriptor `cbor:"2,keyasint"`
	SDP          string          `cbor:"3,keyasint"`
	ConnectionID string          `cbor:"4,keyasint"`
}

// IceCandidate carries one trickled candidate (JSON-encoded ICECandidateInit).
type IceCandidate struct {
	Source       peer.Descriptor `cbor:"1,keyasint"`
	Target       peer.Descriptor `cbor:"2,keyasint"`
	Candidate    string          `cbor:"3,keyasint"`
	ConnectionID string          `cbor:"4,keyasint"`
}
