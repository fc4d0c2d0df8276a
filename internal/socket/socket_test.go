package socket

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/transport"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

const waitTimeout = 10 * time.Second

func testParams() *config.Parameters {
	p := config.Default()
	p.DefaultPort = 0
	return p
}

func openMux(t *testing.T, p *config.Parameters) *transport.Multiplexer {
	t.Helper()
	m := transport.NewMultiplexer(p)
	require.NoError(t, m.Open(loopback))
	t.Cleanup(func() { m.Close() })
	return m
}

// peer is a Socket plus channels collecting its events.
type peer struct {
	sock   *Socket
	node   protocol.NodeID
	msgs   chan []byte
	closed chan error
}

func newPeer(t *testing.T, m *transport.Multiplexer, p *config.Parameters, name string) *peer {
	t.Helper()
	pr := &peer{
		node:   protocol.NodeIDFromString(name),
		msgs:   make(chan []byte, 1024),
		closed: make(chan error, 1),
	}
	pr.sock = New(m, m.Dispatcher(), p, pr.node, Handlers{
		OnMessage: func(msg []byte) { pr.msgs <- msg },
		OnClose:   func(err error) { pr.closed <- err },
	})
	t.Cleanup(func() { pr.sock.Abort(status.Canceled) })
	return pr
}

func (pr *peer) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-pr.msgs:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func (pr *peer) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-pr.closed:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

// connectPair opens two multiplexers and connects a client socket to an
// accepting server socket.
func connectPair(t *testing.T, p *config.Parameters) (cli, srv *peer, cm, sm *transport.Multiplexer) {
	t.Helper()
	sm = openMux(t, p)
	cm = openMux(t, p)
	acc := transport.NewAcceptor(sm)
	srv = newPeer(t, sm, p, "server")
	cli = newPeer(t, cm, p, "client")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	accepted := make(chan error, 1)
	go func() { accepted <- srv.sock.Accept(ctx, acc) }()
	require.NoError(t, cli.sock.Connect(ctx, sm.LocalEndpoint()))
	require.NoError(t, <-accepted)
	return cli, srv, cm, sm
}

func TestConnectAccept(t *testing.T) {
	cli, srv, cm, sm := connectPair(t, testParams())

	assert.Equal(t, StateConnected, cli.sock.State())
	assert.Equal(t, StateConnected, srv.sock.State())
	assert.Equal(t, srv.node, cli.sock.PeerNodeID())
	assert.Equal(t, cli.node, srv.sock.PeerNodeID())
	assert.Equal(t, srv.sock.ID(), cli.sock.PeerSocketID())
	assert.Equal(t, cli.sock.ID(), srv.sock.PeerSocketID())
	assert.Equal(t, cm.LocalEndpoint(), cli.sock.ObservedEndpoint())
	assert.Equal(t, sm.LocalEndpoint(), srv.sock.ObservedEndpoint())

	err := cli.sock.Connect(context.Background(), sm.LocalEndpoint())
	assert.ErrorIs(t, err, status.AlreadyStarted)
}

func TestSendReceive(t *testing.T) {
	cli, srv, _, _ := connectPair(t, testParams())

	sent := make(chan error, 1)
	require.NoError(t, cli.sock.Send([]byte("hello"), true, func(err error) { sent <- err }))
	assert.Equal(t, "hello", string(srv.recv(t)))

	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("send was never acknowledged")
	}

	// larger than one packet: fragmented and reassembled
	big := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	require.NoError(t, srv.sock.Send(big, true, nil))
	assert.Equal(t, big, cli.recv(t))

	require.NoError(t, srv.sock.Send(nil, false, nil))
	assert.Empty(t, cli.recv(t))
}

func TestInOrderDelivery(t *testing.T) {
	cli, srv, _, _ := connectPair(t, testParams())

	for i := range 200 {
		require.NoError(t, cli.sock.Send([]byte{byte(i)}, true, nil))
	}
	for i := range 200 {
		assert.Equal(t, []byte{byte(i)}, srv.recv(t), "message %d", i)
	}
}

func TestRecoversFromLoss(t *testing.T) {
	p := testParams()
	cli, srv, cm, _ := connectPair(t, p)

	// drop the first transmission of every fifth data packet
	var count atomic.Int64
	var mu sync.Mutex
	dropped := map[uint32]bool{}
	cm.SetOutboundFilter(func(data []byte, _ netip.AddrPort) bool {
		var pkt protocol.DataPacket
		if !pkt.Decode(data) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if dropped[pkt.SequenceNumber] {
			return false
		}
		if count.Add(1)%5 == 2 {
			dropped[pkt.SequenceNumber] = true
			return true
		}
		return false
	})

	payload := bytes.Repeat([]byte{0xab}, 3000)
	for i := range 40 {
		msg := append([]byte{byte(i)}, payload...)
		require.NoError(t, cli.sock.Send(msg, true, nil))
	}
	for i := range 40 {
		got := srv.recv(t)
		require.Len(t, got, len(payload)+1)
		assert.Equal(t, byte(i), got[0], "message %d out of order", i)
	}

	mu.Lock()
	assert.NotEmpty(t, dropped)
	mu.Unlock()
}

func TestRendezvous(t *testing.T) {
	p := testParams()
	ma := openMux(t, p)
	mb := openMux(t, p)
	a := newPeer(t, ma, p, "a")
	b := newPeer(t, mb, p, "b")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	errB := make(chan error, 1)
	go func() { errB <- b.sock.Connect(ctx, ma.LocalEndpoint()) }()
	require.NoError(t, a.sock.Connect(ctx, mb.LocalEndpoint()))
	require.NoError(t, <-errB)

	assert.Equal(t, b.sock.ID(), a.sock.PeerSocketID())
	assert.Equal(t, a.sock.ID(), b.sock.PeerSocketID())

	require.NoError(t, a.sock.Send([]byte("ping"), true, nil))
	assert.Equal(t, "ping", string(b.recv(t)))
}

func TestConnectTimesOut(t *testing.T) {
	p := testParams()
	target := openMux(t, p) // no acceptor: requests are never answered
	c := newPeer(t, openMux(t, p), p, "client")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.sock.Connect(ctx, target.LocalEndpoint())
	assert.ErrorIs(t, err, status.TimedOut)
	assert.ErrorIs(t, c.waitClosed(t), status.TimedOut)
	assert.Equal(t, StateClosed, c.sock.State())
}

func TestPing(t *testing.T) {
	p := testParams()
	target := openMux(t, p)
	targetNode := protocol.NodeIDFromString("target")
	target.Dispatcher().SetPingHandler(func(hs *protocol.HandshakePacket, from netip.AddrPort) {
		resp := &protocol.HandshakePacket{
			ControlHeader:  protocol.ControlHeader{DestinationSocketID: hs.SocketID},
			Version:        protocol.Version,
			ConnectionType: protocol.HandshakePingResponse,
			PeerEndpoint:   from,
			NodeID:         targetNode,
		}
		data, err := protocol.Marshal(resp)
		if err == nil {
			target.SendTo(context.Background(), data, from)
		}
	})

	m := openMux(t, p)
	pinger := newPeer(t, m, p, "pinger")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	got, err := pinger.sock.Ping(ctx, target.LocalEndpoint())
	require.NoError(t, err)
	assert.Equal(t, targetNode, got)
	assert.Equal(t, m.LocalEndpoint(), pinger.sock.ObservedEndpoint())
	assert.NoError(t, pinger.waitClosed(t))
	assert.Nil(t, m.Dispatcher().GetSocket(pinger.sock.ID()), "socket id is released")
}

func TestGracefulClose(t *testing.T) {
	cli, srv, _, _ := connectPair(t, testParams())

	sent := make(chan error, 1)
	require.NoError(t, cli.sock.Send([]byte("last words"), true, func(err error) { sent <- err }))
	cli.sock.Close()

	assert.Equal(t, "last words", string(srv.recv(t)))
	assert.NoError(t, <-sent)
	assert.NoError(t, cli.waitClosed(t))
	assert.ErrorIs(t, srv.waitClosed(t), status.ConnectionClosed)
	assert.ErrorIs(t, cli.sock.Send([]byte("late"), true, nil), status.NotConnected)
}

func TestKeepaliveFailure(t *testing.T) {
	p := testParams()
	p.KeepaliveInterval = 50 * time.Millisecond
	p.KeepaliveTimeout = 20 * time.Millisecond
	p.MaximumKeepaliveFailures = 2
	cli, _, _, sm := connectPair(t, p)

	// the server goes silent
	sm.SetOutboundFilter(func([]byte, netip.AddrPort) bool { return true })

	err := cli.waitClosed(t)
	assert.ErrorIs(t, err, status.KeepaliveFailure)
	assert.Equal(t, StateClosed, cli.sock.State())
}

func TestSlowSpeedCloses(t *testing.T) {
	p := testParams()
	p.SpeedCalculateInterval = 150 * time.Millisecond
	p.SlowSpeedThreshold = 1 << 20
	cli, _, cm, _ := connectPair(t, p)

	// data never reaches the server, so nothing is acknowledged
	cm.SetOutboundFilter(func(data []byte, _ netip.AddrPort) bool {
		_, isControl := protocol.ControlType(data)
		return !isControl
	})

	sent := make(chan error, 1)
	require.NoError(t, cli.sock.Send(bytes.Repeat([]byte{0x5a}, 4000), true, func(err error) { sent <- err }))

	assert.ErrorIs(t, cli.waitClosed(t), status.SlowSpeed)
	assert.ErrorIs(t, <-sent, status.SlowSpeed)
	<-cli.sock.Done()
	assert.Equal(t, status.SlowSpeed, status.Of(cli.sock.Err()))
}

func TestCloseGivesUpAfterDisconnectionTimeout(t *testing.T) {
	p := testParams()
	p.DisconnectionTimeout = 300 * time.Millisecond
	p.SlowSpeedThreshold = 0
	cli, srv, _, sm := connectPair(t, p)

	// the server receives everything but its acknowledgements are lost
	sm.SetOutboundFilter(func(data []byte, _ netip.AddrPort) bool {
		typ, isControl := protocol.ControlType(data)
		return isControl && typ == protocol.TypeAck
	})

	sent := make(chan error, 1)
	require.NoError(t, cli.sock.Send([]byte("unacknowledged"), true, func(err error) { sent <- err }))
	assert.Equal(t, "unacknowledged", string(srv.recv(t)))

	start := time.Now()
	cli.sock.Close()
	assert.NoError(t, cli.waitClosed(t))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, p.DisconnectionTimeout-50*time.Millisecond)
	assert.Less(t, elapsed, p.DisconnectionTimeout+2*time.Second)

	assert.ErrorIs(t, <-sent, status.Canceled)
	assert.Equal(t, StateClosed, cli.sock.State())
	assert.ErrorIs(t, srv.waitClosed(t), status.ConnectionClosed)
}

func TestAbortFailsPendingSends(t *testing.T) {
	cli, _, cm, _ := connectPair(t, testParams())
	cm.SetOutboundFilter(func([]byte, netip.AddrPort) bool { return true })

	sent := make(chan error, 1)
	require.NoError(t, cli.sock.Send([]byte("never"), true, func(err error) { sent <- err }))
	cli.sock.Abort(status.SendFailure)

	assert.ErrorIs(t, <-sent, status.SendFailure)
	assert.ErrorIs(t, cli.waitClosed(t), status.SendFailure)
	<-cli.sock.Done()
	assert.True(t, errors.Is(cli.sock.Err(), status.SendFailure))
}

func TestSendPreconditions(t *testing.T) {
	p := testParams()
	p.MaxMessageSize = 16
	m := openMux(t, p)
	s := newPeer(t, m, p, "idle").sock

	assert.ErrorIs(t, s.Send([]byte("x"), true, nil), status.NotConnected)
	assert.ErrorIs(t, s.Send(make([]byte, 17), true, nil), status.MessageTooLarge)

	s.Close()
	<-s.Done()
	assert.ErrorIs(t, s.Err(), status.Canceled)
	assert.ErrorIs(t, s.Connect(context.Background(), loopback), status.InvalidConnection)
}
