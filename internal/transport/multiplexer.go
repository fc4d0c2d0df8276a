// Package transport owns the UDP endpoint shared by every RUDP connection of
// a node: the Multiplexer reads and writes datagrams, the Dispatcher routes
// them to sockets by destination socket id, and the Acceptor queues
// connection requests for sockets waiting to accept.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/util"
)

// Multiplexer owns exactly one bound UDP endpoint.
type Multiplexer struct {
	params     *config.Parameters
	dispatcher *Dispatcher
	stun       *stunClient
	filter     atomic.Pointer[OutboundFilter]

	mu        sync.RWMutex
	conn      *net.UDPConn
	sender    *sender
	cancel    context.CancelFunc
	done      <-chan struct{}
	group     *errgroup.Group
	external  netip.AddrPort
	bestGuess netip.AddrPort
}

// NewMultiplexer creates a closed Multiplexer.
func NewMultiplexer(params *config.Parameters) *Multiplexer {
	m := &Multiplexer{
		params: params,
		stun:   newSTUNClient(),
	}
	m.dispatcher = newDispatcher(m.trySend)
	return m
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Open binds endpoint and starts the receive and send loops. Port 0 first
// tries the configured default port, then an ephemeral one.
func (m *Multiplexer) Open(endpoint netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return status.AlreadyStarted
	}
	if !endpoint.Addr().IsValid() || endpoint.Addr().IsUnspecified() {
		return fmt.Errorf("open %s: %w", endpoint, status.InvalidAddress)
	}

	conn, err := m.bind(endpoint)
	if err != nil {
		return err
	}

	if n := m.params.SocketBufferSize; n > 0 {
		if err := errors.Join(conn.SetReadBuffer(n), conn.SetWriteBuffer(n)); err != nil {
			conn.Close()
			return fmt.Errorf("set socket buffers to %d: %w: %v", n, status.SetOptionFailure, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	m.conn = conn
	m.sender = newSender(conn, &m.filter)
	m.cancel = cancel
	m.done = ctx.Done()
	m.group = g

	g.Go(func() error { return m.sender.loop(gctx) })
	g.Go(func() error { return m.receiveLoop(gctx, conn) })

	util.LogDebug("multiplexer listening on %s", conn.LocalAddr())
	return nil
}

func (m *Multiplexer) bind(endpoint netip.AddrPort) (*net.UDPConn, error) {
	if endpoint.Port() == 0 && m.params.DefaultPort != 0 {
		preferred := netip.AddrPortFrom(endpoint.Addr(), m.params.DefaultPort)
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(preferred))
		if err == nil {
			return conn, nil
		}
		util.LogDebug("default port %d unavailable, using an ephemeral port: %v", m.params.DefaultPort, err)
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(endpoint))
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w: %v", endpoint, status.BindError, err)
	}
	return conn, nil
}

// IsOpen reports whether the endpoint is bound.
func (m *Multiplexer) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// Close releases the endpoint, aborts every registered socket and the
// acceptor, and clears the external endpoints.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	conn, cancel, g := m.conn, m.cancel, m.group
	m.conn = nil
	m.sender = nil
	m.external = netip.AddrPort{}
	m.bestGuess = netip.AddrPort{}
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	cancel()
	err := conn.Close()
	m.dispatcher.Close()
	return errors.Join(err, g.Wait())
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

func (m *Multiplexer) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, config.MaxUDPPayload)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			util.LogWarning("multiplexer read error: %v", err)
			continue
		}

		util.Stats.AddRecv(n)
		data := append([]byte(nil), buf[:n]...)
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		if m.stun.handle(data) {
			continue
		}
		m.dispatcher.HandleReceiveFrom(data, from)
	}
}

// SendTo enqueues one datagram for to. It fails with InvalidConnection once
// the Multiplexer is closed.
func (m *Multiplexer) SendTo(ctx context.Context, data []byte, to netip.AddrPort) error {
	m.mu.RLock()
	s, done := m.sender, m.done
	m.mu.RUnlock()

	if s == nil {
		return status.InvalidConnection
	}
	return s.send(ctx, done, datagram{data: data, to: to})
}

// TrySendTo enqueues one datagram unless the send queue is full. It never
// blocks, which makes it safe to call from the receive path.
func (m *Multiplexer) TrySendTo(data []byte, to netip.AddrPort) {
	m.trySend(data, to)
}

func (m *Multiplexer) trySend(data []byte, to netip.AddrPort) {
	m.mu.RLock()
	s := m.sender
	m.mu.RUnlock()

	if s != nil {
		s.trySend(datagram{data: data, to: to})
	}
}

// SetOutboundFilter installs fn to veto outbound datagrams. nil removes it.
// Used for fault injection.
func (m *Multiplexer) SetOutboundFilter(fn OutboundFilter) {
	if fn == nil {
		m.filter.Store(nil)
		return
	}
	m.filter.Store(&fn)
}

// Dispatcher returns the routing table fed by this Multiplexer.
func (m *Multiplexer) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// LocalEndpoint returns the bound endpoint, or the zero value when closed.
func (m *Multiplexer) LocalEndpoint() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return netip.AddrPort{}
	}
	return m.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// ExternalEndpoint returns the authoritative external endpoint if known,
// otherwise the best guess, otherwise the zero value.
func (m *Multiplexer) ExternalEndpoint() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.external.IsValid() {
		return m.external
	}
	return m.bestGuess
}

// SetExternalEndpoint records the endpoint peers report seeing.
func (m *Multiplexer) SetExternalEndpoint(ep netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.external = ep
}

// SetBestGuessExternalEndpoint records a fallback external endpoint.
func (m *Multiplexer) SetBestGuessExternalEndpoint(ep netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bestGuess = ep
}
