// Package signaling introduces two RUDP nodes to each other over a
// PIN-protected WebSocket before they connect directly. Each side learns the
// other's NodeID and candidate endpoints; both then connect towards each
// other at the same time so the handshakes meet through their NATs.
package signaling

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/1ureka/rudp/internal/util"
)

// Result is what a completed introduction yields.
type Result struct {
	Peer Introduction
	// Observed is this node's public address as the host saw it. It is only
	// set on the client side.
	Observed netip.Addr
}

// EstablishAsHost executes the host-side introduction:
//  1. Wait for a client on srv
//  2. Read its introduction
//  3. Answer with ours and the client's observed address
//  4. Close the WebSocket
func EstablishAsHost(ctx context.Context, srv *Server, local Introduction) (Result, error) {
	conn, err := srv.waitForClient(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer conn.Close()
	util.LogInfo("signaling client connected from %s", conn.RemoteAddr())

	peer, err := hostExchange(ctx, &wsConn{conn: conn}, local)
	if err != nil {
		return Result{}, fmt.Errorf("signaling failed: %w", err)
	}
	util.LogInfo("introduced to %s at %v", peer.NodeID, peer.Endpoints)
	return Result{Peer: peer}, nil
}

// EstablishAsClient executes the client-side introduction:
//  1. Connect to the host's WebSocket at url
//  2. Send our introduction
//  3. Read the host's introduction and our observed address
//  4. Close the WebSocket
func EstablishAsClient(ctx context.Context, url string, local Introduction) (Result, error) {
	conn, err := dial(ctx, url)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	util.LogDebug("WS connected: %s", url)

	peer, observed, err := clientExchange(ctx, &wsConn{conn: conn}, local)
	if err != nil {
		return Result{}, fmt.Errorf("signaling failed: %w", err)
	}
	util.LogInfo("introduced to %s at %v", peer.NodeID, peer.Endpoints)
	return Result{Peer: peer, Observed: observed}, nil
}
