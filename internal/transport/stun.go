package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/util"
)

// DefaultSTUNServers are public servers used for external endpoint discovery.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

const stunRetryInterval = 500 * time.Millisecond

// stunClient matches binding responses arriving on the multiplexer socket to
// outstanding requests.
type stunClient struct {
	mu      sync.Mutex
	pending map[[stun.TransactionIDSize]byte]chan netip.AddrPort
}

func newSTUNClient() *stunClient {
	return &stunClient{pending: make(map[[stun.TransactionIDSize]byte]chan netip.AddrPort)}
}

func (c *stunClient) register(id [stun.TransactionIDSize]byte) chan netip.AddrPort {
	ch := make(chan netip.AddrPort, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *stunClient) unregister(id [stun.TransactionIDSize]byte) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handle consumes data if it answers an outstanding binding request. Anything
// else, including STUN-looking RUDP packets, is left to the dispatcher.
func (c *stunClient) handle(data []byte) bool {
	if !stun.IsMessage(data) {
		return false
	}

	m := &stun.Message{Raw: data}
	if err := m.Decode(); err != nil {
		return false
	}

	c.mu.Lock()
	ch, ok := c.pending[m.TransactionID]
	delete(c.pending, m.TransactionID)
	c.mu.Unlock()
	if !ok {
		return false
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err != nil {
		util.LogDebug("stun response without XOR-MAPPED-ADDRESS: %v", err)
		return true
	}
	addr, ok := netip.AddrFromSlice(xor.IP)
	if !ok {
		return true
	}

	ch <- netip.AddrPortFrom(addr.Unmap(), uint16(xor.Port))
	return true
}

// DiscoverExternalEndpoint asks server (host:port, optional "stun:" prefix)
// for this endpoint's public mapping, using the multiplexer's own socket so
// the result reflects the NAT binding RUDP traffic uses. The result becomes
// the best-guess external endpoint.
func (m *Multiplexer) DiscoverExternalEndpoint(ctx context.Context, server string) (netip.AddrPort, error) {
	server = strings.TrimPrefix(server, "stun:")

	network := "udp4"
	if local := m.LocalEndpoint(); local.Addr().Is6() {
		network = "udp6"
	}
	raddr, err := net.ResolveUDPAddr(network, server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve stun server %s: %w", server, err)
	}
	to := raddr.AddrPort()
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("build stun request: %w", err)
	}

	ch := m.stun.register(msg.TransactionID)
	defer m.stun.unregister(msg.TransactionID)

	ticker := time.NewTicker(stunRetryInterval)
	defer ticker.Stop()

	for {
		if err := m.SendTo(ctx, msg.Raw, to); err != nil {
			return netip.AddrPort{}, fmt.Errorf("send stun request to %s: %w", server, err)
		}

		select {
		case ep := <-ch:
			m.SetBestGuessExternalEndpoint(ep)
			util.LogDebug("stun server %s reports external endpoint %s", server, ep)
			return ep, nil
		case <-ticker.C:
		case <-ctx.Done():
			return netip.AddrPort{}, fmt.Errorf("stun %s: %w", server, status.TimedOut)
		}
	}
}
