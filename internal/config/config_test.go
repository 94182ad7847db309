package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/connector"
	"github.com/1ureka/meshlink/internal/peer"
)

const entryID = "0102030405060708090a0b0c0d0e0f1011121314"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.NoError(t, c.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
node_id: `+entryID+`
websocket:
  enabled: true
  host: 203.0.113.7
  ports: {min: 9000, max: 9010}
entry_points:
  - node_id: `+entryID+`
    websocket: {host: entry.example.org, port: 443, tls: true}
pending_timeout: 3s
connectivity:
  attempts: 2
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.True(t, c.Websocket.Enabled)
	assert.Equal(t, connector.PortRange{Min: 9000, Max: 9010}, c.Websocket.Ports)
	assert.Equal(t, 3*time.Second, c.PendingTimeout)
	assert.Equal(t, 2, c.Connectivity.Attempts)
	// untouched fields keep their defaults
	assert.Equal(t, Default().Connectivity.Backoff, c.Connectivity.Backoff)
	assert.Equal(t, "0.0.0.0", c.Websocket.Bind)

	entries, err := Descriptors(c.EntryPoints)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "wss://entry.example.org:443", entries[0].Websocket.URL())
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "node.yaml", "websocket:\n  ports: {min: 9000, max: 9010}\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--config", path,
		"--ws-ports", "7000-7001",
		"--entry-point", entryID + "@ws://127.0.0.1:8000",
		"--debug",
	}))

	c, err := FromFlags(fs)
	require.NoError(t, err)
	assert.Equal(t, connector.PortRange{Min: 7000, Max: 7001}, c.Websocket.Ports)
	assert.True(t, c.Debug)
	require.Len(t, c.EntryPoints, 1)
	assert.Equal(t, peer.Endpoint{Host: "127.0.0.1", Port: 8000}, c.EntryPoints[0].Websocket)
	assert.False(t, c.Websocket.Enabled)
}

func TestBadFlagValue(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--ws-ports", "lots", "--peer", "nobody"}))

	_, err := FromFlags(fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--ws-ports")
	assert.Contains(t, err.Error(), "--peer")
}

func TestParsePeer(t *testing.T) {
	p, err := ParsePeer(entryID + "@wss://example.org:8443")
	require.NoError(t, err)
	assert.Equal(t, peer.Endpoint{Host: "example.org", Port: 8443, TLS: true}, p.Websocket)

	for _, bad := range []string{"no-at-sign", entryID + "@http://example.org:80", entryID + "@ws://example.org"} {
		_, err := ParsePeer(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsePortRange(t *testing.T) {
	r, err := ParsePortRange("9000")
	require.NoError(t, err)
	assert.Equal(t, connector.PortRange{Min: 9000, Max: 9000}, r)

	r, err = ParsePortRange("9000 - 9005")
	require.NoError(t, err)
	assert.Equal(t, connector.PortRange{Min: 9000, Max: 9005}, r)

	_, err = ParsePortRange("a-b")
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Default()
	c.NodeID = "zz"
	c.Websocket.Ports = connector.PortRange{Min: 9010, Max: 9000}
	c.Websocket.TLSCertFile = filepath.Join(t.TempDir(), "missing.pem")
	c.EntryPoints = []Peer{{NodeID: entryID}}
	c.Connectivity.Attempts = 0

	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"node_id", "websocket.ports", "set together", "missing.pem", "entry_points[0]", "attempts"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateAcceptsExistingCertificates(t *testing.T) {
	c := Default()
	c.Websocket.TLSCertFile = writeFile(t, "cert.pem", "cert")
	c.Websocket.TLSKeyFile = writeFile(t, "key.pem", "key")
	assert.NoError(t, c.Validate())
}

func TestLocalID(t *testing.T) {
	c := Default()
	id, err := c.LocalID()
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	c.NodeID = entryID
	id, err = c.LocalID()
	require.NoError(t, err)
	assert.Equal(t, entryID, id.String())
}
