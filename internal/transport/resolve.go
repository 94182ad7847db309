package transport

import "github.com/1ureka/meshlink/internal/peer"

// Resolve decides which role local plays toward remote:
//   - dial remote's WebSocket server if local is able to reach it,
//   - otherwise wait for remote to dial local's WebSocket server,
//   - otherwise fall back to WebRTC.
//
// Browsers can only dial endpoints that are TLS or on a private network, so
// that is checked whenever the dialling side is a browser.
func Resolve(local, remote peer.Descriptor) ConnectionType {
	if remote.HasWebsocket() && (!local.IsBrowser() || remote.Websocket.BrowserReachable()) {
		return WebsocketClient
	}
	if local.HasWebsocket() && (!remote.IsBrowser() || local.Websocket.BrowserReachable()) {
		return WebsocketServer
	}
	return Webrtc
}
