// Package webrtc carries peer connections over a single pre-negotiated
// DataChannel, with the offer, answer and ICE candidates relayed through
// already connected peers.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when Options.ICEServers is nil.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func newAPI(opts Options) *webrtc.API {
	var se webrtc.SettingEngine
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func newPeerConnection(api *webrtc.API, servers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated channel (ID 0) both sides open
// independently. It is ordered since the handshake must precede data.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)
	return pc.CreateDataChannel("meshlink", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
