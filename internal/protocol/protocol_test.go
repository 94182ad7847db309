package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/peer"
)

func TestIsMaybeSupportedVersion(t *testing.T) {
	testCases := []struct {
		remote string
		want   bool
	}{
		{"1.0", true},
		{"1.1", true},
		{"1.9", true},
		{"2.0", true},
		{"0.9", false},
		{"", false},
		{"abc", false},
		{"1", false},
		{"x.1", false},
		{"1.x", false},
	}

	for _, tc := range testCases {
		t.Run(tc.remote, func(t *testing.T) {
			assert.Equal(t, tc.want, IsMaybeSupportedVersion(tc.remote))
		})
	}
}

func TestIsMaybeSupportedIsForwardOptimistic(t *testing.T) {
	// An older local node accepts a newer remote, the newer one rejects it.
	assert.True(t, isMaybeSupported("2.0", "1.1"))
	assert.False(t, isMaybeSupported("1.1", "2.0"))
}

func TestEncodeDecodeHandshake(t *testing.T) {
	source := peer.NewDescriptor(peer.RandomNodeID(), peer.TypeNormal, &peer.Endpoint{Host: "127.0.0.1", Port: 9000})
	target := peer.NewDescriptor(peer.RandomNodeID(), peer.TypeBrowser, nil)
	reason := ErrDuplicateConnection

	msg := NewMessage(ServiceHandshake, MessageTypeResponse, Body{
		HandshakeResponse: &HandshakeResponse{Source: source, Version: LocalVersion, Error: &reason},
	})
	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data, 0)
	require.NoError(t, err)
	require.NotNil(t, decoded.Body.HandshakeResponse)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.True(t, decoded.Body.HandshakeResponse.Source.Equal(source))
	require.NotNil(t, decoded.Body.HandshakeResponse.Error)
	assert.Equal(t, ErrDuplicateConnection, *decoded.Body.HandshakeResponse.Error)

	req := NewMessage(ServiceHandshake, MessageTypeRequest, Body{
		HandshakeRequest: &HandshakeRequest{Source: source, Target: &target, Version: LocalVersion},
	})
	data, err = Encode(req)
	require.NoError(t, err)
	decoded, err = Decode(data, 0)
	require.NoError(t, err)
	require.NotNil(t, decoded.Body.HandshakeRequest.Target)
	assert.True(t, decoded.Body.HandshakeRequest.Target.Equal(target))
	assert.Equal(t, peer.TypeBrowser, decoded.Body.HandshakeRequest.Target.Type)
}

func TestEncodeIsDeterministic(t *testing.T) {
	msg := &Message{
		ServiceID: ServiceConnectivity,
		MessageID: "fixed",
		Body:      Body{ConnectivityRequest: &ConnectivityRequest{Port: 9000, Host: "1.2.3.4"}},
	}
	a, err := Encode(msg)
	require.NoError(t, err)
	b, err := Encode(msg)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestEncodeRejectsInvalidBody(t *testing.T) {
	_, err := Encode(&Message{ServiceID: ServiceHandshake})
	assert.ErrorIs(t, err, ErrInvalidBody)

	_, err = Encode(&Message{Body: Body{
		ConnectivityRequest:  &ConnectivityRequest{},
		ConnectivityResponse: &ConnectivityResponse{},
	}})
	assert.ErrorIs(t, err, ErrInvalidBody)
}

func TestDecodeLimits(t *testing.T) {
	msg := NewMessage(ServiceConnectivity, MessageTypeRequest, Body{
		ConnectivityRequest: &ConnectivityRequest{Port: 1},
	})
	data, err := Encode(msg)
	require.NoError(t, err)

	_, err = Decode(data, len(data)-1)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))

	_, err = Decode([]byte{0xff, 0x00}, 0)
	assert.Error(t, err)
}

func TestHandshakeErrorStrings(t *testing.T) {
	assert.Equal(t, "INVALID_TARGET_PEER_DESCRIPTOR", ErrInvalidTargetPeerDescriptor.String())
	assert.Equal(t, "UNSUPPORTED_VERSION", ErrUnsupportedVersion.String())
	assert.Equal(t, "DUPLICATE_CONNECTION", ErrDuplicateConnection.String())

	var err error = ErrUnsupportedVersion
	var he HandshakeError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, ErrUnsupportedVersion, he)
}
