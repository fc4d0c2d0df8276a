package transport

import (
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/util"
)

// Receiver is a socket registered with the Dispatcher.
type Receiver interface {
	// HandleReceiveFrom queues one datagram. It must not block.
	HandleReceiveFrom(data []byte, from netip.AddrPort)
	// MatchesHandshake reports whether a connection request from the given
	// endpoint and peer socket id belongs to this socket: a rendezvous
	// connect towards that endpoint or a retransmitted request.
	MatchesHandshake(from netip.AddrPort, peerSocketID uint32) bool
	// Abort closes the socket immediately with err.
	Abort(err error)
}

// PingHandler answers ping handshakes addressed to no socket.
type PingHandler func(hs *protocol.HandshakePacket, from netip.AddrPort)

// Dispatcher maintains the socket id → Receiver route table and forwards
// connection requests to the Acceptor.
type Dispatcher struct {
	send    func(data []byte, to netip.AddrPort)
	cookies *util.CookieJar

	mu       sync.Mutex
	routes   map[uint32]Receiver
	acceptor *Acceptor
	ping     PingHandler
}

func newDispatcher(send func(data []byte, to netip.AddrPort)) *Dispatcher {
	return &Dispatcher{
		send:    send,
		cookies: util.NewCookieJar(),
		routes:  make(map[uint32]Receiver),
	}
}

// AddSocket registers r under a fresh non-zero id and returns it.
func (d *Dispatcher) AddSocket(r Receiver) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		id := rand.Uint32()
		if _, taken := d.routes[id]; id != 0 && !taken {
			d.routes[id] = r
			return id
		}
	}
}

// RemoveSocket frees id for reuse.
func (d *Dispatcher) RemoveSocket(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routes, id)
}

// GetSocket looks up the receiver registered under id.
func (d *Dispatcher) GetSocket(id uint32) Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes[id]
}

// SetAcceptor installs a and returns the acceptor it replaced. nil removes
// the current one.
func (d *Dispatcher) SetAcceptor(a *Acceptor) *Acceptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.acceptor
	d.acceptor = a
	return prev
}

// Acceptor returns the installed acceptor.
func (d *Dispatcher) Acceptor() *Acceptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acceptor
}

// SetPingHandler installs fn for ping handshakes.
func (d *Dispatcher) SetPingHandler(fn PingHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ping = fn
}

// Close aborts every registered socket and closes the acceptor.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	receivers := make([]Receiver, 0, len(d.routes))
	for _, r := range d.routes {
		receivers = append(receivers, r)
	}
	clear(d.routes)
	acceptor := d.acceptor
	d.mu.Unlock()

	for _, r := range receivers {
		r.Abort(errMultiplexerClosed)
	}
	if acceptor != nil {
		acceptor.Close()
	}
}

func (d *Dispatcher) matchHandshake(from netip.AddrPort, peerSocketID uint32) Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.routes {
		if r.MatchesHandshake(from, peerSocketID) {
			return r
		}
	}
	return nil
}

// HandleReceiveFrom routes one inbound datagram. Malformed and unroutable
// datagrams are logged and dropped.
func (d *Dispatcher) HandleReceiveFrom(data []byte, from netip.AddrPort) {
	id, ok := protocol.DecodeDestinationSocketID(data)
	if !ok {
		util.LogDebug("dropping %d-byte datagram from %s: shorter than a header", len(data), from)
		util.Stats.AddDropped()
		return
	}

	if id != 0 {
		if r := d.GetSocket(id); r != nil {
			r.HandleReceiveFrom(data, from)
			return
		}
	}

	var hs protocol.HandshakePacket
	if !hs.Decode(data) {
		util.LogDebug("dropping packet for unknown socket %08x from %s", id, from)
		util.Stats.AddDropped()
		return
	}

	switch hs.ConnectionType {
	case protocol.HandshakePing:
		d.mu.Lock()
		ping := d.ping
		d.mu.Unlock()
		if ping != nil {
			ping(&hs, from)
		}

	case protocol.HandshakeRequest:
		if r := d.matchHandshake(from, hs.SocketID); r != nil {
			r.HandleReceiveFrom(data, from)
			return
		}

		if !d.cookies.Verify(from, hs.SynCookie) {
			d.sendCookie(&hs, from)
			return
		}

		if a := d.Acceptor(); a != nil {
			a.HandleReceiveFrom(data, from)
			return
		}
		util.LogDebug("dropping connection request from %s: not accepting", from)
		util.Stats.AddDropped()

	default:
		util.LogDebug("dropping handshake type %d for unknown socket %08x from %s", hs.ConnectionType, id, from)
		util.Stats.AddDropped()
	}
}

// sendCookie challenges a requester without keeping any state.
func (d *Dispatcher) sendCookie(req *protocol.HandshakePacket, from netip.AddrPort) {
	challenge := protocol.HandshakePacket{
		ControlHeader:  protocol.ControlHeader{DestinationSocketID: req.SocketID},
		Version:        protocol.Version,
		ConnectionType: protocol.HandshakeCookie,
		SynCookie:      d.cookies.Issue(from),
		PeerEndpoint:   from,
	}
	data, err := protocol.Marshal(&challenge)
	if err != nil {
		util.LogError("failed to encode cookie challenge: %v", err)
		return
	}
	d.send(data, from)
}
