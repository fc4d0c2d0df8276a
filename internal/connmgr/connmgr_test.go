package connmgr

import (
	"bytes"
	"context"
	"net/netip"
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

type message struct {
	peer protocol.NodeID
	data []byte
}

type lost struct {
	peer      protocol.NodeID
	err       error
	temporary bool
}

type node struct {
	id    protocol.NodeID
	mux   *transport.Multiplexer
	mgr   *ConnectionManager
	msgs  chan message
	added chan protocol.NodeID
	lost  chan lost
}

func newNode(t *testing.T, p *config.Parameters, name string, listen bool) *node {
	t.Helper()
	n := &node{
		id:    protocol.NodeIDFromString(name),
		mux:   transport.NewMultiplexer(p),
		msgs:  make(chan message, 64),
		added: make(chan protocol.NodeID, 16),
		lost:  make(chan lost, 16),
	}
	require.NoError(t, n.mux.Open(loopback))
	t.Cleanup(func() { n.mux.Close() })

	n.mgr = New(n.mux, p, n.id, Callbacks{
		OnMessage:         func(peer protocol.NodeID, msg []byte) { n.msgs <- message{peer, msg} },
		OnConnectionAdded: func(peer protocol.NodeID, _ netip.AddrPort, _ bool) { n.added <- peer },
		OnConnectionLost: func(peer protocol.NodeID, err error, temporary bool) {
			n.lost <- lost{peer, err, temporary}
		},
	})
	t.Cleanup(n.mgr.Close)

	if listen {
		ctx, cancel := context.WithCancel(context.Background())
		acc := transport.NewAcceptor(n.mux)
		go n.mgr.Listen(ctx, acc)
		t.Cleanup(cancel)
	}
	return n
}

func (n *node) endpoint() netip.AddrPort { return n.mux.LocalEndpoint() }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

// connect connects from to to and waits until both sides registered it.
func connect(t *testing.T, from, to *node, validation []byte) {
	t.Helper()
	failed := make(chan error, 1)
	from.mgr.Connect(to.id, to.endpoint(), validation, waitTimeout, 0, func(err error) { failed <- err })
	select {
	case peer := <-from.added:
		require.Equal(t, to.id, peer)
	case err := <-failed:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("connect timed out")
	}
	assert.Equal(t, from.id, recv(t, to.added))
}

func TestStrandRunsInOrder(t *testing.T) {
	s := newStrand()
	var got []int
	for i := range 100 {
		s.post(func() { got = append(got, i) })
	}
	s.close()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	s.post(func() { t.Error("ran after close") })
}

func TestSendToUnknownPeer(t *testing.T) {
	n := newNode(t, testParams(), "lonely", false)
	called := false
	ok := n.mgr.Send(protocol.NodeIDFromString("nobody"), []byte("x"), func(error) { called = true })
	assert.False(t, ok)
	assert.False(t, n.mgr.CloseConnection(protocol.NodeIDFromString("nobody")))
	n.mgr.Close()
	assert.False(t, called)
}

type nopReceiver struct{}

func (nopReceiver) HandleReceiveFrom([]byte, netip.AddrPort)     {}
func (nopReceiver) MatchesHandshake(netip.AddrPort, uint32) bool { return false }
func (nopReceiver) Abort(error)                                  {}

func TestAddSocketIDs(t *testing.T) {
	n := newNode(t, testParams(), "sockets", false)
	r := n.mgr.GetSocket(0)
	assert.Nil(t, r)

	seen := map[uint32]bool{}
	var ids []uint32
	for range 100 {
		id := n.mgr.AddSocket(nopReceiver{})
		assert.NotZero(t, id)
		assert.False(t, seen[id], "id %08x handed out twice", id)
		seen[id] = true
		ids = append(ids, id)
	}
	for _, id := range ids {
		n.mgr.RemoveSocket(id)
	}
	assert.Nil(t, n.mgr.GetSocket(ids[0]))
}

func TestConnectSendReceive(t *testing.T) {
	p := testParams()
	server := newNode(t, p, "server", true)
	client := newNode(t, p, "client", false)

	connect(t, client, server, []byte("hello"))

	first := recv(t, server.msgs)
	assert.Equal(t, client.id, first.peer)
	assert.Equal(t, "hello", string(first.data), "validation data arrives first")

	msg := bytes.Repeat([]byte{0x5a}, 256)
	sent := make(chan error, 1)
	require.True(t, client.mgr.Send(server.id, msg, func(err error) { sent <- err }))
	assert.NoError(t, recv(t, sent))

	got := recv(t, server.msgs)
	assert.Equal(t, msg, got.data)

	// and back
	require.True(t, server.mgr.Send(client.id, []byte("reply"), nil))
	assert.Equal(t, "reply", string(recv(t, client.msgs).data))

	assert.Equal(t, client.endpoint(), client.mgr.ThisEndpoint(server.id))
	assert.Equal(t, server.endpoint(), server.mgr.ThisEndpoint(client.id))
}

func TestConnectFailureCalledOnce(t *testing.T) {
	p := testParams()
	silent := newNode(t, p, "silent", false) // never accepts
	client := newNode(t, p, "client", false)

	var calls atomic.Int32
	done := make(chan error, 4)
	client.mgr.Connect(silent.id, silent.endpoint(), nil, 200*time.Millisecond, 0, func(err error) {
		calls.Add(1)
		done <- err
	})
	assert.ErrorIs(t, recv(t, done), status.TimedOut)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	_, ok := client.mgr.GetConnection(silent.id)
	assert.False(t, ok)
}

func TestConnectWrongNode(t *testing.T) {
	p := testParams()
	server := newNode(t, p, "server", true)
	client := newNode(t, p, "client", false)

	failed := make(chan error, 1)
	client.mgr.Connect(protocol.NodeIDFromString("someone else"), server.endpoint(), nil, waitTimeout, 0,
		func(err error) { failed <- err })
	assert.ErrorIs(t, recv(t, failed), status.InvalidConnection)
	assert.Empty(t, client.mgr.Connections())
}

func TestValidationSendFailureAbortsSocket(t *testing.T) {
	server := newNode(t, testParams(), "server", true)
	p := testParams()
	p.MaxMessageSize = 16
	client := newNode(t, p, "client", false)

	failed := make(chan error, 1)
	client.mgr.Connect(server.id, server.endpoint(), make([]byte, 64), waitTimeout, 0,
		func(err error) { failed <- err })
	assert.ErrorIs(t, recv(t, failed), status.MessageTooLarge)
	assert.Empty(t, client.mgr.Connections())

	// The handshake completed, so the server registered the connection.
	// The client must shut its socket down rather than leave it running.
	assert.Equal(t, client.id, recv(t, server.added))
	ev := recv(t, server.lost)
	assert.Equal(t, client.id, ev.peer)
	assert.ErrorIs(t, ev.err, status.ConnectionClosed)
	assert.Empty(t, server.mgr.Connections())
}

func TestDuplicateConnection(t *testing.T) {
	p := testParams()
	server := newNode(t, p, "server", true)
	client := newNode(t, p, "client", false)
	connect(t, client, server, nil)

	failed := make(chan error, 1)
	client.mgr.Connect(server.id, server.endpoint(), nil, waitTimeout, 0, func(err error) { failed <- err })
	assert.ErrorIs(t, recv(t, failed), status.ConnectionAlreadyExists)

	c, ok := client.mgr.GetConnection(server.id)
	require.True(t, ok)
	err := client.mgr.AddConnection(c)
	assert.ErrorIs(t, err, status.ConnectionAlreadyExists)
	assert.Len(t, client.mgr.Connections(), 1)
}

func TestTooManyConnections(t *testing.T) {
	p := testParams()
	p.MaxTransports = 1
	server := newNode(t, p, "server", true)
	first := newNode(t, testParams(), "first", false)
	second := newNode(t, testParams(), "second", false)

	connect(t, first, server, nil)

	// The server completes the handshake, then refuses to register and
	// shuts the socket down. Depending on timing the client sees a failed
	// connect or a lost connection.
	failed := make(chan error, 1)
	second.mgr.Connect(server.id, server.endpoint(), nil, waitTimeout, 0, func(err error) { failed <- err })
	select {
	case <-failed:
	case ev := <-second.lost:
		assert.ErrorIs(t, ev.err, status.ConnectionClosed)
	case <-time.After(waitTimeout):
		t.Fatal("second connection was neither refused nor closed")
	}
	assert.Len(t, server.mgr.Connections(), 1)
}

func TestPing(t *testing.T) {
	p := testParams()
	p.PingTimeout = 300 * time.Millisecond
	target := newNode(t, p, "target", false)
	pinger := newNode(t, p, "pinger", false)

	results := make(chan error, 1)
	pinger.mgr.Ping(target.id, target.endpoint(), func(err error) { results <- err })
	assert.NoError(t, recv(t, results))

	pinger.mgr.Ping(protocol.NodeIDFromString("impostor"), target.endpoint(), func(err error) { results <- err })
	assert.ErrorIs(t, recv(t, results), status.PingFailed)

	target.mgr.Close()
	pinger.mgr.Ping(target.id, target.endpoint(), func(err error) { results <- err })
	assert.ErrorIs(t, recv(t, results), status.TimedOut)
}

func TestKeepaliveExhaustionNotifiesRegistry(t *testing.T) {
	p := testParams()
	p.KeepaliveInterval = 50 * time.Millisecond
	p.KeepaliveTimeout = 20 * time.Millisecond
	p.MaximumKeepaliveFailures = 2
	server := newNode(t, p, "server", true)
	client := newNode(t, p, "client", false)
	connect(t, client, server, nil)

	server.mux.SetOutboundFilter(func([]byte, netip.AddrPort) bool { return true })

	ev := recv(t, client.lost)
	assert.Equal(t, server.id, ev.peer)
	assert.ErrorIs(t, ev.err, status.KeepaliveFailure)
	_, ok := client.mgr.GetConnection(server.id)
	assert.False(t, ok)
}

func TestCloseConnection(t *testing.T) {
	p := testParams()
	server := newNode(t, p, "server", true)
	client := newNode(t, p, "client", false)
	connect(t, client, server, nil)

	assert.True(t, client.mgr.CloseConnection(server.id))

	local := recv(t, client.lost)
	assert.NoError(t, local.err)
	assert.False(t, local.temporary)

	remote := recv(t, server.lost)
	assert.ErrorIs(t, remote.err, status.ConnectionClosed)
	assert.True(t, remote.temporary, "accepted connections start unvalidated")
}

func TestMakeConnectionPermanent(t *testing.T) {
	p := testParams()
	p.BootstrapConnectionLifespan = 500 * time.Millisecond
	server := newNode(t, p, "server", true)
	a := newNode(t, p, "a", false)
	b := newNode(t, p, "b", false)
	connect(t, a, server, nil)
	connect(t, b, server, nil)

	assert.Equal(t, 0, server.mgr.NormalConnectionsCount())
	ep, ok := server.mgr.MakeConnectionPermanent(a.id, true)
	require.True(t, ok)
	assert.Equal(t, a.endpoint(), ep)
	assert.Equal(t, 1, server.mgr.NormalConnectionsCount())

	_, ok = server.mgr.MakeConnectionPermanent(protocol.NodeIDFromString("nobody"), true)
	assert.False(t, ok)

	// b stays unvalidated and its lifespan runs out
	ev := recv(t, server.lost)
	assert.Equal(t, b.id, ev.peer)
	assert.True(t, ev.temporary)

	_, ok = server.mgr.GetConnection(a.id)
	assert.True(t, ok)
	assert.Contains(t, server.mgr.DebugString(), "permanent")
}

func TestTemporaryConnectionExpires(t *testing.T) {
	p := testParams()
	server := newNode(t, p, "server", true)
	client := newNode(t, p, "client", false)

	client.mgr.Connect(server.id, server.endpoint(), nil, waitTimeout, 200*time.Millisecond, nil)
	assert.Equal(t, server.id, recv(t, client.added))

	ev := recv(t, client.lost)
	assert.Equal(t, server.id, ev.peer)
	assert.True(t, ev.temporary)
	assert.NoError(t, ev.err)
}
