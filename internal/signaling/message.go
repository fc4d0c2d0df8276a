package signaling

import (
	"fmt"
	"net/netip"

	"github.com/1ureka/rudp/internal/protocol"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeIntroduction MessageType = "introduction"
	MsgTypeError        MessageType = "error"
)

// Message is the JSON structure exchanged over the WebSocket during signaling.
type Message struct {
	Type      MessageType `json:"type"`
	NodeID    string      `json:"node_id,omitempty"` // full hex NodeID
	Endpoints []string    `json:"endpoints,omitempty"`
	Observed  string      `json:"observed,omitempty"` // the receiver's address as the host sees it
	Error     string      `json:"error,omitempty"`
}

// Introduction tells a peer who this node is and where to reach it.
type Introduction struct {
	NodeID    protocol.NodeID
	Endpoints []netip.AddrPort
}

func (in Introduction) message() Message {
	msg := Message{Type: MsgTypeIntroduction, NodeID: in.NodeID.Hex()}
	for _, ep := range in.Endpoints {
		if ep.IsValid() {
			msg.Endpoints = append(msg.Endpoints, ep.String())
		}
	}
	return msg
}

func parseIntroduction(msg Message) (Introduction, error) {
	var in Introduction
	switch msg.Type {
	case MsgTypeIntroduction:
	case MsgTypeError:
		return in, fmt.Errorf("peer refused: %s", msg.Error)
	default:
		return in, fmt.Errorf("unexpected message %q", msg.Type)
	}

	id, err := protocol.ParseNodeID(msg.NodeID)
	if err != nil {
		return in, err
	}
	in.NodeID = id
	for _, s := range msg.Endpoints {
		ep, err := netip.ParseAddrPort(s)
		if err != nil {
			return in, fmt.Errorf("endpoint %q: %w", s, err)
		}
		in.Endpoints = append(in.Endpoints, ep)
	}
	if len(in.Endpoints) == 0 {
		return in, fmt.Errorf("introduction from %s carries no endpoint", id)
	}
	return in, nil
}
