package transport

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/1ureka/meshlink/internal/peer"
)

func descriptor(typ peer.Type, ep *peer.Endpoint) peer.Descriptor {
	return peer.NewDescriptor(peer.RandomNodeID(), typ, ep)
}

// endpoints covers public, private, loopback-name and TLS listeners.
var endpoints = []*peer.Endpoint{
	{Host: "8.8.8.8", Port: 9000},
	{Host: "192.168.1.2", Port: 9000},
	{Host: "localhost", Port: 9000},
	{Host: "example.com", Port: 443, TLS: true},
}

func TestResolveClientServerSymmetry(t *testing.T) {
	for _, ep := range endpoints {
		for _, serverType := range []peer.Type{peer.TypeNormal, peer.TypeBrowser} {
			for _, clientType := range []peer.Type{peer.TypeNormal, peer.TypeBrowser} {
				server := descriptor(serverType, ep)
				client := descriptor(clientType, nil)
				name := fmt.Sprintf("%s->%s(%s)", clientType, serverType, ep.URL())

				t.Run(name, func(t *testing.T) {
					forward := Resolve(client, server)
					backward := Resolve(server, client)
					assert.Equal(t, forward == WebsocketClient, backward == WebsocketServer)
					if forward == Webrtc {
						assert.Equal(t, Webrtc, backward)
					}
				})
			}
		}
	}
}

func TestResolveBothListeningDialsOut(t *testing.T) {
	a := descriptor(peer.TypeNormal, &peer.Endpoint{Host: "1.1.1.1", Port: 1})
	b := descriptor(peer.TypeNormal, &peer.Endpoint{Host: "2.2.2.2", Port: 2})
	assert.Equal(t, WebsocketClient, Resolve(a, b))
	assert.Equal(t, WebsocketClient, Resolve(b, a))
}

func TestResolveNoListenerFallback(t *testing.T) {
	for _, at := range []peer.Type{peer.TypeNormal, peer.TypeBrowser} {
		for _, bt := range []peer.Type{peer.TypeNormal, peer.TypeBrowser} {
			a := descriptor(at, nil)
			b := descriptor(bt, nil)
			assert.Equal(t, Webrtc, Resolve(a, b))
			assert.Equal(t, Webrtc, Resolve(b, a))
		}
	}
}

func TestResolveBrowserAsymmetry(t *testing.T) {
	browser := descriptor(peer.TypeBrowser, nil)
	server := descriptor(peer.TypeNormal, &peer.Endpoint{Host: "8.8.8.8", Port: 9000})

	assert.Equal(t, Webrtc, Resolve(browser, server))
	assert.Equal(t, Webrtc, Resolve(server, browser))

	tlsServer := descriptor(peer.TypeNormal, &peer.Endpoint{Host: "8.8.8.8", Port: 9000, TLS: true})
	assert.Equal(t, WebsocketClient, Resolve(browser, tlsServer))
	assert.Equal(t, WebsocketServer, Resolve(tlsServer, browser))
}

func TestResolveEndToEndScenario(t *testing.T) {
	a := descriptor(peer.TypeNormal, &peer.Endpoint{Host: "127.0.0.1", Port: 9000})
	b := descriptor(peer.TypeNormal, nil)
	assert.Equal(t, WebsocketClient, Resolve(b, a))
	assert.Equal(t, WebsocketServer, Resolve(a, b))
}
