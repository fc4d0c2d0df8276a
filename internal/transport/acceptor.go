package transport

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/util"
)

// maxPendingRequests bounds the queue of requests no socket is accepting yet.
const maxPendingRequests = 128

var errMultiplexerClosed = errors.Join(status.Canceled, errors.New("multiplexer closed"))

// AcceptRequest is a connection request waiting for a socket.
type AcceptRequest struct {
	Endpoint  netip.AddrPort
	SocketID  uint32
	Handshake protocol.HandshakePacket
}

// Binder is a socket that can take over an accepted request.
type Binder interface {
	BindPeer(req AcceptRequest)
}

// Acceptor pairs incoming connection requests with sockets calling
// StartAccept, in arrival order.
type Acceptor struct {
	d *Dispatcher

	mu      sync.Mutex
	pending []AcceptRequest
	waiting Binder
	waitCh  chan error
}

// NewAcceptor creates an acceptor and installs it on m's dispatcher. A
// previous acceptor is closed: its pending requests are dropped and a socket
// waiting on it gets Canceled.
func NewAcceptor(m *Multiplexer) *Acceptor {
	a := &Acceptor{d: m.Dispatcher()}
	if prev := a.d.SetAcceptor(a); prev != nil {
		prev.Close()
	}
	return a
}

// IsOpen reports whether a is the dispatcher's current acceptor.
func (a *Acceptor) IsOpen() bool {
	return a.d.Acceptor() == a
}

// StartAccept binds b to the oldest pending request, or makes b the waiting
// socket. The returned channel yields nil once b is bound, or Canceled if the
// acceptor closes first. Only one socket may wait at a time.
func (a *Acceptor) StartAccept(b Binder) (<-chan error, error) {
	a.mu.Lock()
	if a.waiting != nil {
		a.mu.Unlock()
		return nil, status.AcceptPending
	}

	ch := make(chan error, 1)
	if len(a.pending) > 0 {
		req := a.pending[0]
		a.pending = a.pending[1:]
		a.mu.Unlock()

		b.BindPeer(req)
		ch <- nil
		return ch, nil
	}

	a.waiting = b
	a.waitCh = ch
	a.mu.Unlock()
	return ch, nil
}

// Accept blocks until b is bound to a request. Cancelling ctx withdraws the
// wait and reports Canceled.
func (a *Acceptor) Accept(ctx context.Context, b Binder) error {
	ch, err := a.StartAccept(b)
	if err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		if a.withdraw(b) {
			return status.Canceled
		}
		// bound concurrently with the cancellation
		return <-ch
	}
}

// withdraw removes b as the waiting socket. It reports false if b was no
// longer waiting.
func (a *Acceptor) withdraw(b Binder) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiting != b {
		return false
	}
	a.waiting = nil
	a.waitCh = nil
	return true
}

// HandleReceiveFrom takes a connection request from the dispatcher.
func (a *Acceptor) HandleReceiveFrom(data []byte, from netip.AddrPort) {
	var hs protocol.HandshakePacket
	if !hs.Decode(data) || hs.ConnectionType != protocol.HandshakeRequest || hs.SocketID == 0 {
		util.LogDebug("acceptor dropping invalid handshake from %s", from)
		util.Stats.AddDropped()
		return
	}
	req := AcceptRequest{Endpoint: from, SocketID: hs.SocketID, Handshake: hs}

	a.mu.Lock()
	if b := a.waiting; b != nil {
		ch := a.waitCh
		a.waiting = nil
		a.waitCh = nil
		a.mu.Unlock()

		b.BindPeer(req)
		ch <- nil
		return
	}

	for _, p := range a.pending {
		if p.Endpoint == from && p.SocketID == hs.SocketID {
			a.mu.Unlock()
			return
		}
	}
	if len(a.pending) >= maxPendingRequests {
		a.mu.Unlock()
		util.LogWarning("acceptor queue full, dropping request from %s", from)
		util.Stats.AddDropped()
		return
	}
	a.pending = append(a.pending, req)
	a.mu.Unlock()
}

// Close drops pending requests, cancels the waiting socket and removes the
// acceptor from the dispatcher.
func (a *Acceptor) Close() {
	a.mu.Lock()
	a.pending = nil
	ch := a.waitCh
	a.waiting = nil
	a.waitCh = nil
	a.mu.Unlock()

	if ch != nil {
		ch <- status.Canceled
	}

	a.d.mu.Lock()
	if a.d.acceptor == a {
		a.d.acceptor = nil
	}
	a.d.mu.Unlock()
}
