package connmgr

import (
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/socket"
	"github.com/1ureka/rudp/internal/util"
)

// Kind classifies a Connection by how long it may live.
type Kind int

const (
	// Temporary connections were opened with a bounded lifespan, typically
	// to bootstrap into the network, and close when it runs out.
	Temporary Kind = iota
	// Unvalidated connections were accepted from a peer whose identity the
	// application has not confirmed yet. They also carry a lifespan.
	Unvalidated
	// Permanent connections live until closed.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Temporary:
		return "temporary"
	case Unvalidated:
		return "unvalidated"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Connection is a registered Socket and the peer it belongs to.
type Connection struct {
	sock *socket.Socket

	mu       sync.Mutex
	peer     protocol.NodeID
	kind     Kind
	lifespan *time.Timer
}

func (c *Connection) PeerID() protocol.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Connection) setPeer(id protocol.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = id
}

// Socket returns the underlying socket.
func (c *Connection) Socket() *socket.Socket { return c.sock }

func (c *Connection) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// PeerEndpoint returns the endpoint the connection talks to.
func (c *Connection) PeerEndpoint() netip.AddrPort { return c.sock.PeerEndpoint() }

// setKind changes the kind. Permanent connections drop their lifespan;
// the others get a fresh one of length d.
func (c *Connection) setKind(k Kind, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = k
	if c.lifespan != nil {
		c.lifespan.Stop()
		c.lifespan = nil
	}
	if k == Permanent || d <= 0 {
		return
	}
	peer := c.peer
	c.lifespan = time.AfterFunc(d, func() {
		if c.Kind() == Permanent {
			return
		}
		util.LogDebug("[%08x] %s connection to %s reached end of lifespan", c.sock.ID(), k, peer)
		c.sock.Close()
	})
}

func (c *Connection) stopLifespan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifespan != nil {
		c.lifespan.Stop()
		c.lifespan = nil
	}
}
