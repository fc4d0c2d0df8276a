package util

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%v) mismatch: got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSnapshotDelta(t *testing.T) {
	prev := Snapshot{Opened: 1, BytesSent: 1000, PacketsSent: 10}
	cur := Snapshot{Opened: 3, Closed: 1, BytesSent: 3048, PacketsSent: 30, Retransmits: 2}

	d := cur.Sub(prev)
	assert.Equal(t, Snapshot{Opened: 2, Closed: 1, BytesSent: 2048, PacketsSent: 20, Retransmits: 2}, d)
	assert.False(t, d.idle())
	assert.True(t, cur.Sub(cur).idle())

	line := formatStats(d, 2*time.Second)
	assert.Contains(t, line, "Out:  1.0 KiB/s")
	assert.Contains(t, line, "Retx: 10.0%")
}

func TestCookieJar(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	j := NewCookieJar()
	j.now = func() time.Time { return now }

	a := netip.MustParseAddrPort("192.0.2.1:5000")
	b := netip.MustParseAddrPort("192.0.2.1:5001")

	c := j.Issue(a)
	assert.NotZero(t, c)
	assert.True(t, j.Verify(a, c))
	assert.False(t, j.Verify(b, c))
	assert.False(t, j.Verify(a, 0))

	now = now.Add(cookieEpoch)
	assert.True(t, j.Verify(a, c), "previous epoch still accepted")

	now = now.Add(cookieEpoch)
	assert.False(t, j.Verify(a, c), "two epochs later is stale")
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))

	Stats.AddRetransmit()

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "rudp_retransmits_total")
	assert.Contains(t, joined, "rudp_connections_open")
}

func TestSetLogLevel(t *testing.T) {
	assert.NoError(t, SetLogLevel("warn"))
	assert.Error(t, SetLogLevel("chatty"))
	assert.NoError(t, SetLogLevel("info"))
}
