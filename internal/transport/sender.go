package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/util"
)

const sendBufferSize = 256 // outgoing datagram channel capacity

// OutboundFilter returns true for datagrams that must not be written.
type OutboundFilter func(data []byte, to netip.AddrPort) bool

type datagram struct {
	data []byte
	to   netip.AddrPort
}

// sender is a goroutine-based datagram writer that serializes all writes to a
// single UDP socket.
type sender struct {
	conn   *net.UDPConn
	inbox  chan datagram
	filter *atomic.Pointer[OutboundFilter]
}

func newSender(conn *net.UDPConn, filter *atomic.Pointer[OutboundFilter]) *sender {
	return &sender{
		conn:   conn,
		inbox:  make(chan datagram, sendBufferSize),
		filter: filter,
	}
}

// loop is the single-writer goroutine. Write errors are logged and the
// datagram dropped; UDP gives no delivery guarantee anyway.
func (s *sender) loop(ctx context.Context) error {
	for {
		select {
		case d := <-s.inbox:
			if f := s.filter.Load(); f != nil && (*f)(d.data, d.to) {
				continue
			}

			if _, err := s.conn.WriteToUDPAddrPort(d.data, d.to); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				util.LogDebug("failed to send %d bytes to %s: %v", len(d.data), d.to, err)
				continue
			}

			util.Stats.AddSent(len(d.data))
		case <-ctx.Done():
			return nil
		}
	}
}

// send enqueues a datagram. It blocks while the buffer is full.
func (s *sender) send(ctx context.Context, done <-chan struct{}, d datagram) error {
	select {
	case s.inbox <- d:
		return nil
	case <-done:
		return status.InvalidConnection
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend enqueues a datagram unless the buffer is full.
func (s *sender) trySend(d datagram) bool {
	select {
	case s.inbox <- d:
		return true
	default:
		util.Stats.AddDropped()
		return false
	}
}
