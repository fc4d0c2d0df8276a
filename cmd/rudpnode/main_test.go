package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/protocol"
)

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		raw, pin, want string
		wantErr        bool
	}{
		{"wss://example.devtunnels.ms/ws?pin=1234", "", "wss://example.devtunnels.ms/ws?pin=1234", false},
		{"ws://127.0.0.1:8080", "42", "ws://127.0.0.1:8080/ws?pin=42", false},
		{"https://example.com/anything", "7", "wss://example.com/ws?pin=7", false},
		{"  wss://example.com/ws  ", "9", "wss://example.com/ws?pin=9", false},
		{"wss://example.com/ws", "", "", true},
		{"not a url", "1", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeWSURL(tt.raw, tt.pin)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestParsePeer(t *testing.T) {
	id := protocol.NodeIDFromString("peer")
	peer, ep, err := parsePeer(id.Hex(), "127.0.0.1:5483")
	require.NoError(t, err)
	assert.Equal(t, id, peer)
	assert.Equal(t, uint16(5483), ep.Port())

	_, _, err = parsePeer("zz", "127.0.0.1:5483")
	assert.Error(t, err)
	_, _, err = parsePeer(id.Hex(), "localhost")
	assert.Error(t, err)
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	params = config.Default()
	var out bytes.Buffer
	configCmd.SetOut(&out)
	require.NoError(t, configCmd.RunE(configCmd, nil))
	assert.Contains(t, out.String(), "thread_count: 8")
	assert.Contains(t, out.String(), "connection_type: 1g-ethernet")
}
