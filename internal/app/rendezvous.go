package app

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/signaling"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/util"
)

// Introduction describes this node to a signaling peer.
func (n *Node) Introduction() signaling.Introduction {
	in := signaling.Introduction{NodeID: n.id}
	local := n.LocalEndpoint()
	if ext := n.ExternalEndpoint(); ext.IsValid() && ext != local {
		in.Endpoints = append(in.Endpoints, ext)
	}
	in.Endpoints = append(in.Endpoints, local)
	return in
}

// RendezvousAsHost waits for a client on srv, exchanges introductions and
// connects to it. The resulting connection is permanent.
func (n *Node) RendezvousAsHost(ctx context.Context, srv *signaling.Server) (protocol.NodeID, error) {
	res, err := signaling.EstablishAsHost(ctx, srv, n.Introduction())
	if err != nil {
		return protocol.NodeID{}, err
	}
	return n.rendezvous(ctx, res)
}

// RendezvousAsClient dials the host's signaling url, exchanges introductions
// and connects to it. The address the host observed becomes this node's
// best-guess external endpoint.
func (n *Node) RendezvousAsClient(ctx context.Context, url string) (protocol.NodeID, error) {
	res, err := signaling.EstablishAsClient(ctx, url, n.Introduction())
	if err != nil {
		return protocol.NodeID{}, err
	}
	if res.Observed.IsValid() {
		guess := netip.AddrPortFrom(res.Observed, n.LocalEndpoint().Port())
		n.mgr.SetBestGuessExternalEndpoint(guess)
		util.LogDebug("best-guess external endpoint %s", guess)
	}
	return n.rendezvous(ctx, res)
}

// rendezvous connects to the introduced peer. Only the node with the lower
// NodeID initiates; the other pings the peer's endpoints so its NAT admits
// the incoming handshake, then waits for Listen to register it.
func (n *Node) rendezvous(ctx context.Context, res signaling.Result) (protocol.NodeID, error) {
	peer := res.Peer.NodeID
	if peer == n.id {
		return protocol.NodeID{}, fmt.Errorf("rendezvous with ourselves: %w", status.InvalidConnection)
	}

	var err error
	if bytes.Compare(n.id[:], peer[:]) < 0 {
		err = n.ConnectAny(ctx, peer, res.Peer.Endpoints, nil)
	} else {
		err = n.awaitPeer(ctx, peer, res.Peer.Endpoints)
	}
	if err != nil {
		return protocol.NodeID{}, fmt.Errorf("rendezvous with %s: %w", peer, err)
	}
	if _, ok := n.mgr.MakeConnectionPermanent(peer, true); !ok {
		return protocol.NodeID{}, fmt.Errorf("rendezvous with %s: %w", peer, status.NotConnected)
	}
	return peer, nil
}

func (n *Node) awaitPeer(ctx context.Context, peer protocol.NodeID, endpoints []netip.AddrPort) error {
	added := n.wait(peer)
	defer n.unwait(peer, added)
	if _, ok := n.mgr.GetConnection(peer); ok {
		return nil
	}

	for _, ep := range endpoints {
		n.mgr.Ping(peer, ep, nil)
	}

	timer := time.NewTimer(n.params.RendezvousConnectTimeout)
	defer timer.Stop()
	select {
	case <-added:
		return nil
	case <-timer.C:
		return status.TimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}
