package signaling

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/1ureka/rudp/internal/util"
)

// hostExchange waits for the client's introduction, then answers with the
// host's own and the address the client connected from.
func hostExchange(ctx context.Context, c *wsConn, local Introduction) (Introduction, error) {
	msg, err := c.receive(ctx)
	if err != nil {
		return Introduction{}, fmt.Errorf("read introduction: %w", err)
	}
	remote, err := parseIntroduction(msg)
	if err != nil {
		c.send(Message{Type: MsgTypeError, Error: err.Error()})
		return Introduction{}, err
	}

	reply := local.message()
	if ap, err := netip.ParseAddrPort(c.conn.RemoteAddr().String()); err == nil {
		reply.Observed = ap.Addr().Unmap().String()
	}
	if err := c.send(reply); err != nil {
		return Introduction{}, fmt.Errorf("send introduction: %w", err)
	}
	return remote, nil
}

// clientExchange sends the client's introduction and reads the host's. It
// also returns the client's address as the host observed it, which may be
// invalid.
func clientExchange(ctx context.Context, c *wsConn, local Introduction) (Introduction, netip.Addr, error) {
	if err := c.send(local.message()); err != nil {
		return Introduction{}, netip.Addr{}, fmt.Errorf("send introduction: %w", err)
	}
	msg, err := c.receive(ctx)
	if err != nil {
		return Introduction{}, netip.Addr{}, fmt.Errorf("read introduction: %w", err)
	}
	remote, err := parseIntroduction(msg)
	if err != nil {
		return Introduction{}, netip.Addr{}, err
	}

	var observed netip.Addr
	if msg.Observed != "" {
		if observed, err = netip.ParseAddr(msg.Observed); err != nil {
			util.LogDebug("ignoring observed address %q: %v", msg.Observed, err)
			observed = netip.Addr{}
		}
	}
	return remote, observed, nil
}
