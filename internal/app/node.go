// Package app wires a Multiplexer, its Acceptor and a ConnectionManager into
// one Node and drives the rendezvous flows used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/connmgr"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/transport"
	"github.com/1ureka/rudp/internal/util"
)

// Options configure Open.
type Options struct {
	// Name derives the NodeID. An empty name picks a random identity.
	Name string
	// Bind is the local UDP endpoint. Port 0 tries the configured default
	// port first.
	Bind netip.AddrPort
	// STUNServers are queried in order after binding until one reports the
	// external endpoint.
	STUNServers []string
	// StatsInterval enables the periodic traffic report in Run.
	StatsInterval time.Duration

	Callbacks connmgr.Callbacks
}

// Node is one RUDP endpoint with its connection registry.
type Node struct {
	params   *config.Parameters
	id       protocol.NodeID
	mux      *transport.Multiplexer
	acceptor *transport.Acceptor
	mgr      *connmgr.ConnectionManager
	cb       connmgr.Callbacks
	stats    time.Duration

	mu      sync.Mutex
	waiters map[protocol.NodeID][]chan struct{}
}

// Open binds the endpoint and starts accepting handshakes. Run must be
// called for accepted connections to be registered.
func Open(ctx context.Context, params *config.Parameters, opts Options) (*Node, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	id := protocol.RandomNodeID()
	if opts.Name != "" {
		id = protocol.NodeIDFromString(opts.Name)
	}

	n := &Node{
		params:  params,
		id:      id,
		mux:     transport.NewMultiplexer(params),
		cb:      opts.Callbacks,
		stats:   opts.StatsInterval,
		waiters: make(map[protocol.NodeID][]chan struct{}),
	}
	if err := n.mux.Open(opts.Bind); err != nil {
		return nil, err
	}
	n.acceptor = transport.NewAcceptor(n.mux)
	n.mgr = connmgr.New(n.mux, params, id, connmgr.Callbacks{
		OnMessage:         n.cb.OnMessage,
		OnConnectionAdded: n.connectionAdded,
		OnConnectionLost:  n.cb.OnConnectionLost,
	})

	n.discover(ctx, opts.STUNServers)

	util.LogDebug("node %s open on %s", id, n.mux.LocalEndpoint())
	return n, nil
}

func (n *Node) discover(ctx context.Context, servers []string) {
	for _, server := range servers {
		sctx, cancel := context.WithTimeout(ctx, n.params.BootstrapConnectTimeout)
		ep, err := n.mux.DiscoverExternalEndpoint(sctx, server)
		cancel()
		if err == nil {
			util.LogInfo("external endpoint: %s", ep)
			return
		}
		util.LogWarning("external endpoint discovery via %s failed: %v", server, err)
	}
}

// ID returns the node's identity.
func (n *Node) ID() protocol.NodeID { return n.id }

// Manager exposes the connection registry.
func (n *Node) Manager() *connmgr.ConnectionManager { return n.mgr }

// LocalEndpoint returns the bound UDP endpoint.
func (n *Node) LocalEndpoint() netip.AddrPort { return n.mux.LocalEndpoint() }

// ExternalEndpoint returns the best known public endpoint, if any.
func (n *Node) ExternalEndpoint() netip.AddrPort { return n.mux.ExternalEndpoint() }

// Connections returns the peers currently registered.
func (n *Node) Connections() []protocol.NodeID {
	conns := n.mgr.Connections()
	peers := make([]protocol.NodeID, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, c.PeerID())
	}
	return peers
}

// Run accepts connections until ctx is done, reporting traffic if a stats
// interval was configured.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if n.stats > 0 {
		util.StartStatsReporter(gctx, n.stats)
	}
	g.Go(func() error { return n.mgr.Listen(gctx, n.acceptor) })
	return g.Wait()
}

// Close tears down every connection and releases the endpoint.
func (n *Node) Close() error {
	n.mgr.Close()
	n.acceptor.Close()
	return n.mux.Close()
}

// ---------------------------------------------------------------------------
// Blocking wrappers
// ---------------------------------------------------------------------------

// Connect connects to peer at endpoint and waits until the connection is
// registered. validation, if any, is the first message the peer receives.
func (n *Node) Connect(ctx context.Context, peer protocol.NodeID, endpoint netip.AddrPort, validation []byte,
	timeout, lifespan time.Duration) error {
	added := n.wait(peer)
	defer n.unwait(peer, added)

	failed := make(chan error, 1)
	n.mgr.Connect(peer, endpoint, validation, timeout, lifespan, func(err error) { failed <- err })

	select {
	case <-added:
		return nil
	case err := <-failed:
		return fmt.Errorf("connect to %s at %s: %w", peer, endpoint, err)
	case <-ctx.Done():
		return fmt.Errorf("connect to %s: %w", peer, status.TimedOut)
	}
}

// Send sends msg to peer and waits until it is acknowledged.
func (n *Node) Send(ctx context.Context, peer protocol.NodeID, msg []byte) error {
	done := make(chan error, 1)
	if !n.mgr.Send(peer, msg, func(err error) { done <- err }) {
		return fmt.Errorf("send to %s: %w", peer, status.NotConnected)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping checks that peer answers at endpoint.
func (n *Node) Ping(ctx context.Context, peer protocol.NodeID, endpoint netip.AddrPort) error {
	done := make(chan error, 1)
	n.mgr.Ping(peer, endpoint, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectAny tries endpoints in order until one connects. Both ends of a
// rendezvous call it at roughly the same time.
func (n *Node) ConnectAny(ctx context.Context, peer protocol.NodeID, endpoints []netip.AddrPort, validation []byte) error {
	var errs []error
	for _, ep := range endpoints {
		if _, ok := n.mgr.GetConnection(peer); ok {
			return nil
		}
		err := n.Connect(ctx, peer, ep, validation, n.params.RendezvousConnectTimeout, 0)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if _, ok := n.mgr.GetConnection(peer); ok {
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("no endpoints for %s: %w", peer, status.InvalidAddress)
	}
	return errors.Join(errs...)
}

func (n *Node) connectionAdded(peer protocol.NodeID, endpoint netip.AddrPort, temporary bool) {
	n.mu.Lock()
	for _, ch := range n.waiters[peer] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()

	if n.cb.OnConnectionAdded != nil {
		n.cb.OnConnectionAdded(peer, endpoint, temporary)
	}
}

func (n *Node) wait(peer protocol.NodeID) chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.waiters[peer] = append(n.waiters[peer], ch)
	n.mu.Unlock()
	return ch
}

func (n *Node) unwait(peer protocol.NodeID, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[peer]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(n.waiters, peer)
	} else {
		n.waiters[peer] = list
	}
}
