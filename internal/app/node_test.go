package app

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/connmgr"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/signaling"
	"github.com/1ureka/rudp/internal/status"
)

const waitTimeout = 10 * time.Second

type received struct {
	peer protocol.NodeID
	data []byte
}

func openNode(t *testing.T, name string) (*Node, <-chan received) {
	t.Helper()
	p := config.Default()
	p.DefaultPort = 0

	msgs := make(chan received, 64)
	n, err := Open(context.Background(), p, Options{
		Name: name,
		Bind: netip.MustParseAddrPort("127.0.0.1:0"),
		Callbacks: connmgr.Callbacks{
			OnMessage: func(peer protocol.NodeID, msg []byte) { msgs <- received{peer, msg} },
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		n.Close()
		<-done
	})
	return n, msgs
}

func next(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("no message")
		return received{}
	}
}

func TestOpenRejectsInvalidParameters(t *testing.T) {
	p := config.Default()
	p.ThreadCount = 0
	_, err := Open(context.Background(), p, Options{Bind: netip.MustParseAddrPort("127.0.0.1:0")})
	assert.Error(t, err)
}

func TestOpenRejectsUnspecifiedAddress(t *testing.T) {
	_, err := Open(context.Background(), config.Default(), Options{Bind: netip.MustParseAddrPort("0.0.0.0:0")})
	assert.ErrorIs(t, err, status.InvalidAddress)
}

func TestNodeConnectSend(t *testing.T) {
	a, _ := openNode(t, "alpha")
	b, bMsgs := openNode(t, "beta")
	assert.Equal(t, protocol.NodeIDFromString("alpha"), a.ID())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, a.Connect(ctx, b.ID(), b.LocalEndpoint(), []byte("hello"), waitTimeout, 0))

	first := next(t, bMsgs)
	assert.Equal(t, a.ID(), first.peer)
	assert.Equal(t, []byte("hello"), first.data)

	payload := bytes.Repeat([]byte{0xab}, 256)
	require.NoError(t, a.Send(ctx, b.ID(), payload))
	got := next(t, bMsgs)
	assert.Equal(t, payload, got.data)

	assert.Equal(t, []protocol.NodeID{b.ID()}, a.Connections())
	require.Eventually(t, func() bool { return len(b.Connections()) == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestNodeConnectReportsReason(t *testing.T) {
	a, _ := openNode(t, "alpha")
	b, _ := openNode(t, "beta")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	err := a.Connect(ctx, protocol.NodeIDFromString("gamma"), b.LocalEndpoint(), nil, waitTimeout, 0)
	assert.ErrorIs(t, err, status.InvalidConnection)

	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	endpoint := silent.LocalAddr().(*net.UDPAddr).AddrPort()

	err = a.Connect(ctx, b.ID(), endpoint, nil, 300*time.Millisecond, 0)
	assert.ErrorIs(t, err, status.TimedOut)
	assert.NotErrorIs(t, err, status.InvalidConnection)
}

func TestNodeSendWithoutConnection(t *testing.T) {
	a, _ := openNode(t, "alpha")
	err := a.Send(context.Background(), protocol.NodeIDFromString("nobody"), []byte("x"))
	assert.ErrorIs(t, err, status.NotConnected)
}

func TestNodePing(t *testing.T) {
	a, _ := openNode(t, "alpha")
	b, _ := openNode(t, "beta")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.NoError(t, a.Ping(ctx, b.ID(), b.LocalEndpoint()))
	assert.ErrorIs(t, a.Ping(ctx, protocol.NodeIDFromString("gamma"), b.LocalEndpoint()), status.PingFailed)
}

func TestConnectAnySkipsDeadEndpoints(t *testing.T) {
	a, _ := openNode(t, "alpha")
	b, _ := openNode(t, "beta")
	a.params.RendezvousConnectTimeout = 300 * time.Millisecond

	dead := netip.MustParseAddrPort("127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, a.ConnectAny(ctx, b.ID(), []netip.AddrPort{dead, b.LocalEndpoint()}, nil))

	_, ok := a.Manager().GetConnection(b.ID())
	assert.True(t, ok)
}

func TestRendezvous(t *testing.T) {
	host, hostMsgs := openNode(t, "host")
	client, _ := openNode(t, "client")

	pin := signaling.GeneratePIN(4)
	srv := signaling.NewServer(pin)
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	type outcome struct {
		peer protocol.NodeID
		err  error
	}
	hostDone := make(chan outcome, 1)
	go func() {
		peer, err := host.RendezvousAsHost(ctx, srv)
		hostDone <- outcome{peer, err}
	}()

	peer, err := client.RendezvousAsClient(ctx, fmt.Sprintf("ws://%s/ws?pin=%s", addr, pin))
	require.NoError(t, err)
	assert.Equal(t, host.ID(), peer)

	h := <-hostDone
	require.NoError(t, h.err)
	assert.Equal(t, client.ID(), h.peer)

	c, ok := client.Manager().GetConnection(host.ID())
	require.True(t, ok)
	assert.Equal(t, connmgr.Permanent, c.Kind())

	require.NoError(t, client.Send(ctx, host.ID(), []byte("after rendezvous")))
	assert.Equal(t, []byte("after rendezvous"), next(t, hostMsgs).data)
}
