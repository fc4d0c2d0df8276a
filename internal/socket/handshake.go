package socket

import (
	"net/netip"

	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/util"
)

// handlePacket dispatches one inbound datagram by packet type.
func (s *Socket) handlePacket(in inbound) {
	typ, isControl := protocol.ControlType(in.data)
	if isControl && typ == protocol.TypeHandshake {
		var hs protocol.HandshakePacket
		if !hs.Decode(in.data) {
			util.Stats.AddDropped()
			return
		}
		s.handleHandshake(&hs, in.from)
		return
	}

	if s.sess == nil || (s.state != StateConnected && s.state != StateClosing) {
		return
	}
	if in.from != s.peer {
		util.LogDebug("[%08x] dropping packet from %s, peer is %s", s.id, in.from, s.peer)
		util.Stats.AddDropped()
		return
	}
	if !isControl {
		s.sess.handleData(in.data)
		return
	}
	s.sess.handleControl(typ, in.data)
}

func (s *Socket) handleHandshake(hs *protocol.HandshakePacket, from netip.AddrPort) {
	if from != s.peer {
		util.Stats.AddDropped()
		return
	}

	switch s.state {
	case StateProbing:
		if hs.ConnectionType != protocol.HandshakePingResponse {
			return
		}
		s.infoMu.Lock()
		s.info.nodeID = hs.NodeID
		s.info.observed = hs.PeerEndpoint
		s.infoMu.Unlock()
		s.waiter <- nil
		s.waiter = nil
		s.finish(nil)

	case StateHandshaking:
		switch hs.ConnectionType {
		case protocol.HandshakeCookie:
			if s.role == roleClient && hs.SynCookie != 0 {
				util.LogDebug("[%08x] cookie challenge from %s", s.id, from)
				s.cookie = hs.SynCookie
				s.handshakeAt = s.now()
			}
		case protocol.HandshakeResponse:
			if s.role == roleClient && hs.DestinationSocketID == s.id && hs.SocketID != 0 {
				s.establish(hs, from)
			}
		case protocol.HandshakeRequest:
			// the peer is connecting to us at the same time
			if s.role == roleClient && hs.SocketID != 0 {
				s.establish(hs, from)
				s.sendHandshake(protocol.HandshakeResponse)
			}
		}

	case StateConnected, StateClosing:
		// our response was lost; the peer is still asking
		if hs.ConnectionType == protocol.HandshakeRequest && hs.SocketID == s.peerID {
			s.sendHandshake(protocol.HandshakeResponse)
		}
	}
}

// acceptBound answers the request an Acceptor bound to this socket.
func (s *Socket) acceptBound(result chan error) {
	s.infoMu.RLock()
	req := s.info.bound
	s.infoMu.RUnlock()
	if req == nil || s.state != StateUnconnected {
		result <- status.InvalidConnection
		return
	}

	s.role = roleServer
	s.waiter = result
	s.peer = req.Endpoint
	s.establish(&req.Handshake, req.Endpoint)
	s.sendHandshake(protocol.HandshakeResponse)
}

// establish adopts the peer's handshake parameters and enters Connected.
func (s *Socket) establish(hs *protocol.HandshakePacket, from netip.AddrPort) {
	s.peer = from
	s.peerID = hs.SocketID
	s.infoMu.Lock()
	s.info.endpoint = from
	s.info.socketID = hs.SocketID
	s.info.nodeID = hs.NodeID
	s.info.observed = hs.PeerEndpoint
	s.info.natDetection = hs.NatDetectionEndpoint
	s.infoMu.Unlock()

	s.sess = newSession(s, hs, s.now())
	s.setState(StateConnected)
	util.LogDebug("[%08x] connected to %s (peer socket %08x, node %s)", s.id, from, hs.SocketID, hs.NodeID)

	if s.waiter != nil {
		s.waiter <- nil
		s.waiter = nil
	}
}

func (s *Socket) sendHandshake(typ uint32) {
	hs := &protocol.HandshakePacket{
		ControlHeader:     s.header(),
		Version:           protocol.Version,
		ConnectionType:    typ,
		InitialSequence:   s.initialSeq,
		MaxPacketSize:     s.params.MaxSize,
		MaxFlowWindowSize: s.params.MaximumWindowSize,
		SocketID:          s.id,
		SynCookie:         s.cookie,
		PeerEndpoint:      s.peer,
		NodeID:            s.local,
	}
	if ext := s.mux.ExternalEndpoint(); ext.IsValid() {
		hs.NatDetectionEndpoint = ext
	}
	if typ == protocol.HandshakeRequest || typ == protocol.HandshakePing {
		hs.DestinationSocketID = 0
	}
	s.send(hs)
}
