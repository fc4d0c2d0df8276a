// Package connmgr keeps the set of live connections of one node, keyed by
// peer NodeID, and runs every application callback on a single strand.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/semaphore"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/socket"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/transport"
	"github.com/1ureka/rudp/internal/util"
)

// Callbacks receive connection events. They all run on the manager's strand,
// so no two of them run at the same time. They must not call Close.
type Callbacks struct {
	OnMessage         func(peer protocol.NodeID, msg []byte)
	OnConnectionAdded func(peer protocol.NodeID, endpoint netip.AddrPort, temporary bool)
	// OnConnectionLost reports a registered connection that closed. err is
	// nil after a local CloseConnection.
	OnConnectionLost func(peer protocol.NodeID, err error, temporary bool)
}

// ConnectionManager registers at most one Connection per peer NodeID on top
// of one Multiplexer.
type ConnectionManager struct {
	mux    *transport.Multiplexer
	params *config.Parameters
	local  protocol.NodeID
	cb     Callbacks

	strand  *strand
	workers *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	conns  map[protocol.NodeID]*Connection
	closed bool
}

// New creates a manager for mux and installs its ping responder.
func New(mux *transport.Multiplexer, params *config.Parameters, local protocol.NodeID, cb Callbacks) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		mux:     mux,
		params:  params,
		local:   local,
		cb:      cb,
		strand:  newStrand(),
		workers: semaphore.NewWeighted(int64(max(params.ThreadCount, 1))),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[protocol.NodeID]*Connection),
	}
	mux.Dispatcher().SetPingHandler(m.handlePing)
	return m
}

// NodeID returns the identity this manager presents to peers.
func (m *ConnectionManager) NodeID() protocol.NodeID { return m.local }

// Close aborts every connection, cancels pending connects and pings, and
// waits for their callbacks to run.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.mux.Dispatcher().SetPingHandler(nil)
	m.cancel()
	for _, c := range conns {
		c.sock.Abort(status.Canceled)
	}
	m.wg.Wait()
	m.strand.close()
}

// ---------------------------------------------------------------------------
// Sockets
// ---------------------------------------------------------------------------

// AddSocket registers r with the dispatcher and returns its new id.
func (m *ConnectionManager) AddSocket(r transport.Receiver) uint32 {
	return m.mux.Dispatcher().AddSocket(r)
}

// RemoveSocket frees id.
func (m *ConnectionManager) RemoveSocket(id uint32) {
	m.mux.Dispatcher().RemoveSocket(id)
}

// GetSocket returns the socket registered under id, or nil.
func (m *ConnectionManager) GetSocket(id uint32) transport.Receiver {
	return m.mux.Dispatcher().GetSocket(id)
}

// newConnection creates an unregistered Connection around a fresh socket
// whose events are routed through the manager.
func (m *ConnectionManager) newConnection(peer protocol.NodeID, kind Kind) *Connection {
	c := &Connection{peer: peer, kind: kind}
	c.sock = socket.New(m.mux, m, m.params, m.local, socket.Handlers{
		OnMessage: func(msg []byte) {
			if m.cb.OnMessage != nil {
				from := c.sock.PeerNodeID()
				m.strand.post(func() { m.cb.OnMessage(from, msg) })
			}
		},
		OnClose: func(err error) { m.connectionClosed(c, err) },
	})
	return c
}

func (m *ConnectionManager) connectionClosed(c *Connection, err error) {
	c.stopLifespan()
	if !m.RemoveConnection(c) {
		return
	}
	util.Stats.RemoveConn()

	peer := c.PeerID()
	if err != nil {
		util.LogInfo("connection to %s lost: %v", peer, err)
	} else {
		util.LogInfo("connection to %s closed", peer)
	}
	if m.cb.OnConnectionLost != nil {
		temporary := c.Kind() != Permanent
		m.strand.post(func() { m.cb.OnConnectionLost(peer, err, temporary) })
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// AddConnection registers c under its peer id.
func (m *ConnectionManager) AddConnection(c *Connection) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return status.InvalidConnection
	case c.sock.State() != socket.StateConnected:
		m.mu.Unlock()
		return status.NotConnected
	}
	peer := c.PeerID()
	if _, exists := m.conns[peer]; exists {
		m.mu.Unlock()
		return fmt.Errorf("peer %s: %w", peer, status.ConnectionAlreadyExists)
	}
	if m.params.MaxTransports > 0 && len(m.conns) >= m.params.MaxTransports {
		m.mu.Unlock()
		return status.TooManyConnections
	}
	m.conns[peer] = c
	m.mu.Unlock()

	util.Stats.AddConn()
	endpoint := c.PeerEndpoint()
	temporary := c.Kind() != Permanent
	util.LogSuccess("connected to %s at %s", peer, endpoint)
	if m.cb.OnConnectionAdded != nil {
		m.strand.post(func() { m.cb.OnConnectionAdded(peer, endpoint, temporary) })
	}
	return nil
}

// RemoveConnection unregisters c without closing it. It reports whether c
// was registered.
func (m *ConnectionManager) RemoveConnection(c *Connection) bool {
	peer := c.PeerID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[peer] != c {
		return false
	}
	delete(m.conns, peer)
	return true
}

// GetConnection returns the connection to peer.
func (m *ConnectionManager) GetConnection(peer protocol.NodeID) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peer]
	return c, ok
}

// CloseConnection starts an orderly close of the connection to peer. It
// reports false if there is none.
func (m *ConnectionManager) CloseConnection(peer protocol.NodeID) bool {
	c, ok := m.GetConnection(peer)
	if !ok {
		return false
	}
	c.sock.Close()
	return true
}

// Connections returns a snapshot of the registered connections.
func (m *ConnectionManager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// NormalConnectionsCount returns how many permanent connections exist.
func (m *ConnectionManager) NormalConnectionsCount() int {
	n := 0
	for _, c := range m.Connections() {
		if c.Kind() == Permanent {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Connect opens a connection to peer at endpoint without blocking. Once the
// handshake succeeds and the peer proves to be peer, validation (if any) is
// sent as the first message and the connection is registered. A positive
// lifespan makes the connection temporary. failure is called once with the
// reason if the attempt times out, reaches another node, or peer is already
// connected; a socket opened for the attempt is aborted first.
func (m *ConnectionManager) Connect(peer protocol.NodeID, endpoint netip.AddrPort, validation []byte,
	timeout, lifespan time.Duration, failure func(error)) {
	fail := func(reason error) {
		util.LogWarning("connect to %s at %s failed: %v", peer, endpoint, reason)
		if failure != nil {
			m.strand.post(func() { failure(reason) })
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fail(status.InvalidConnection)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.workers.Acquire(m.ctx, 1); err != nil {
			fail(status.Canceled)
			return
		}
		defer m.workers.Release(1)

		if _, exists := m.GetConnection(peer); exists {
			fail(status.ConnectionAlreadyExists)
			return
		}

		kind := Permanent
		if lifespan > 0 {
			kind = Temporary
		}
		c := m.newConnection(peer, kind)

		ctx, cancel := context.WithTimeout(m.ctx, timeout)
		err := c.sock.Connect(ctx, endpoint)
		cancel()
		if err != nil {
			c.sock.Abort(status.Canceled)
			fail(err)
			return
		}

		if got := c.sock.PeerNodeID(); got != peer {
			c.sock.Abort(status.InvalidConnection)
			fail(fmt.Errorf("reached node %s instead: %w", got, status.InvalidConnection))
			return
		}
		if len(validation) > 0 {
			if err := c.sock.Send(validation, true, nil); err != nil {
				c.sock.Abort(err)
				fail(err)
				return
			}
		}
		if err := m.AddConnection(c); err != nil {
			c.sock.Abort(err)
			fail(err)
			return
		}
		c.setKind(kind, lifespan)
	}()
}

// Listen accepts incoming connections from a until ctx is done or a closes.
// Accepted connections are unvalidated and close after the bootstrap
// lifespan unless made permanent.
func (m *ConnectionManager) Listen(ctx context.Context, a *transport.Acceptor) error {
	for m.ctx.Err() == nil {
		c := m.newConnection(protocol.NodeID{}, Unvalidated)
		if err := c.sock.Accept(ctx, a); err != nil {
			c.sock.Abort(status.Canceled)
			if ctx.Err() != nil || m.ctx.Err() != nil || errors.Is(err, status.Canceled) {
				return nil
			}
			if errors.Is(err, status.AcceptPending) {
				return err
			}
			util.LogDebug("accept failed: %v", err)
			continue
		}

		c.setPeer(c.sock.PeerNodeID())
		if err := m.AddConnection(c); err != nil {
			util.LogWarning("rejecting connection from %s: %v", c.sock.PeerEndpoint(), err)
			c.sock.Abort(err)
			continue
		}
		c.setKind(Unvalidated, m.params.BootstrapConnectionLifespan)
	}
	return nil
}

// Send queues msg on the connection to peer. It returns false if there is
// no such connection; otherwise sent, if not nil, later receives the outcome.
func (m *ConnectionManager) Send(peer protocol.NodeID, msg []byte, sent func(error)) bool {
	c, ok := m.GetConnection(peer)
	if !ok {
		return false
	}
	report := func(err error) {
		if sent != nil {
			m.strand.post(func() { sent(err) })
		}
	}
	if err := c.sock.Send(msg, true, report); err != nil {
		report(err)
	}
	return true
}

// Ping checks endpoint with a throwaway socket. fn receives nil if peer
// answered, PingFailed if another node answered, and TimedOut otherwise.
func (m *ConnectionManager) Ping(peer protocol.NodeID, endpoint netip.AddrPort, fn func(error)) {
	report := func(err error) {
		if fn != nil {
			m.strand.post(func() { fn(err) })
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		report(status.Canceled)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.workers.Acquire(m.ctx, 1); err != nil {
			report(status.Canceled)
			return
		}
		defer m.workers.Release(1)

		s := socket.New(m.mux, m, m.params, m.local, socket.Handlers{})
		ctx, cancel := context.WithTimeout(m.ctx, m.params.PingTimeout)
		got, err := s.Ping(ctx, endpoint)
		cancel()

		switch {
		case err != nil:
			s.Abort(status.Canceled)
			report(status.TimedOut)
		case got != peer:
			util.LogDebug("ping %s answered by %s, expected %s", endpoint, got, peer)
			report(status.PingFailed)
		default:
			report(nil)
		}
	}()
}

// handlePing answers a ping addressed to no socket.
func (m *ConnectionManager) handlePing(hs *protocol.HandshakePacket, from netip.AddrPort) {
	resp := &protocol.HandshakePacket{
		ControlHeader:        protocol.ControlHeader{DestinationSocketID: hs.SocketID},
		Version:              protocol.Version,
		ConnectionType:       protocol.HandshakePingResponse,
		MaxPacketSize:        m.params.MaxSize,
		MaxFlowWindowSize:    m.params.MaximumWindowSize,
		PeerEndpoint:         from,
		NatDetectionEndpoint: m.mux.ExternalEndpoint(),
		NodeID:               m.local,
	}
	data, err := protocol.Marshal(resp)
	if err != nil {
		util.LogError("encode ping response: %v", err)
		return
	}
	m.mux.TrySendTo(data, from)
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// MakeConnectionPermanent stops the lifespan of the connection to peer when
// validated is true, or restarts it as unvalidated otherwise. It returns the
// peer's endpoint, or false if there is no such connection.
func (m *ConnectionManager) MakeConnectionPermanent(peer protocol.NodeID, validated bool) (netip.AddrPort, bool) {
	c, ok := m.GetConnection(peer)
	if !ok {
		return netip.AddrPort{}, false
	}
	if validated {
		c.setKind(Permanent, 0)
		if observed := c.sock.ObservedEndpoint(); observed.IsValid() && !m.mux.ExternalEndpoint().IsValid() {
			m.mux.SetExternalEndpoint(observed)
		}
	} else {
		c.setKind(Unvalidated, m.params.BootstrapConnectionLifespan)
	}
	return c.PeerEndpoint(), true
}

// ThisEndpoint returns this node's endpoint as seen by peer.
func (m *ConnectionManager) ThisEndpoint(peer protocol.NodeID) netip.AddrPort {
	if c, ok := m.GetConnection(peer); ok {
		return c.sock.ObservedEndpoint()
	}
	return netip.AddrPort{}
}

// RemoteNatDetectionEndpoint returns the NAT-detection endpoint peer offered.
func (m *ConnectionManager) RemoteNatDetectionEndpoint(peer protocol.NodeID) netip.AddrPort {
	if c, ok := m.GetConnection(peer); ok {
		return c.sock.PeerNatDetectionEndpoint()
	}
	return netip.AddrPort{}
}

// SetBestGuessExternalEndpoint records a fallback external endpoint for
// nodes whose NAT hides the real one.
func (m *ConnectionManager) SetBestGuessExternalEndpoint(ep netip.AddrPort) {
	m.mux.SetBestGuessExternalEndpoint(ep)
}

// DebugString renders the registry as a table.
func (m *ConnectionManager) DebugString() string {
	conns := m.Connections()
	slices.SortFunc(conns, func(a, b *Connection) int {
		return a.PeerEndpoint().Compare(b.PeerEndpoint())
	})

	data := pterm.TableData{{"Peer", "Endpoint", "Socket", "Kind", "State"}}
	for _, c := range conns {
		data = append(data, []string{
			c.PeerID().String(),
			c.PeerEndpoint().String(),
			fmt.Sprintf("%08x", c.sock.ID()),
			c.Kind().String(),
			c.sock.State().String(),
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Sprintf("%d connections", len(conns))
	}
	return fmt.Sprintf("this node %s, %d connections (%d permanent)\n%s",
		m.local, len(conns), m.NormalConnectionsCount(), table)
}
