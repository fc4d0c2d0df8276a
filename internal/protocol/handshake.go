package protocol

import (
	"encoding/binary"
	"net/netip"
)

// Version is the protocol version carried in handshakes.
const Version uint32 = 4

// Handshake connection types.
const (
	// HandshakeRequest opens a connection. Sent with destination socket id 0.
	HandshakeRequest uint32 = 1
	// HandshakeResponse accepts a request and reveals the responder's socket id.
	HandshakeResponse uint32 = 2
	// HandshakeCookie asks the requester to repeat its request with SynCookie set.
	HandshakeCookie uint32 = 3
	// HandshakePing checks liveness and identity without opening a connection.
	HandshakePing uint32 = 4
	// HandshakePingResponse answers a ping.
	HandshakePingResponse uint32 = 5
)

const (
	endpointSize  = 18
	handshakeBody = 8*4 + 2*endpointSize + NodeIDSize
)

// HandshakePacket negotiates a connection.
//
// PeerEndpoint is the receiver's endpoint as the sender sees it, which lets a
// node behind NAT learn its external endpoint. NatDetectionEndpoint is an
// alternative endpoint of the sender that peers may use to classify its NAT.
type HandshakePacket struct {
	ControlHeader
	Version              uint32
	ConnectionType       uint32
	InitialSequence      uint32
	MaxPacketSize        uint32
	MaxFlowWindowSize    uint32
	SocketID             uint32
	SynCookie            uint32
	RequestNatDetection  bool
	PeerEndpoint         netip.AddrPort
	NatDetectionEndpoint netip.AddrPort
	NodeID               NodeID
}

func (p *HandshakePacket) EncodedSize() int { return HeaderSize + handshakeBody }

func (p *HandshakePacket) Decode(buf []byte) bool {
	if !isValidControl(buf, TypeHandshake, HeaderSize+handshakeBody) {
		return false
	}

	p.decodeHeader(buf)
	b := buf[HeaderSize:]
	p.Version = binary.BigEndian.Uint32(b[0:4])
	p.ConnectionType = binary.BigEndian.Uint32(b[4:8])
	p.InitialSequence = binary.BigEndian.Uint32(b[8:12]) & MaxSequenceNumber
	p.MaxPacketSize = binary.BigEndian.Uint32(b[12:16])
	p.MaxFlowWindowSize = binary.BigEndian.Uint32(b[16:20])
	p.SocketID = binary.BigEndian.Uint32(b[20:24])
	p.SynCookie = binary.BigEndian.Uint32(b[24:28])
	p.RequestNatDetection = binary.BigEndian.Uint32(b[28:32])&1 != 0
	p.PeerEndpoint = decodeEndpoint(b[32:50])
	p.NatDetectionEndpoint = decodeEndpoint(b[50:68])
	copy(p.NodeID[:], b[68:68+NodeIDSize])
	return true
}

func (p *HandshakePacket) Encode(buf []byte) int {
	n := p.EncodedSize()
	if len(buf) < n {
		return 0
	}

	p.encodeHeader(buf, TypeHandshake, 0)
	b := buf[HeaderSize:]
	binary.BigEndian.PutUint32(b[0:4], p.Version)
	binary.BigEndian.PutUint32(b[4:8], p.ConnectionType)
	binary.BigEndian.PutUint32(b[8:12], p.InitialSequence&MaxSequenceNumber)
	binary.BigEndian.PutUint32(b[12:16], p.MaxPacketSize)
	binary.BigEndian.PutUint32(b[16:20], p.MaxFlowWindowSize)
	binary.BigEndian.PutUint32(b[20:24], p.SocketID)
	binary.BigEndian.PutUint32(b[24:28], p.SynCookie)
	var flags uint32
	if p.RequestNatDetection {
		flags |= 1
	}
	binary.BigEndian.PutUint32(b[28:32], flags)
	encodeEndpoint(b[32:50], p.PeerEndpoint)
	encodeEndpoint(b[50:68], p.NatDetectionEndpoint)
	copy(b[68:68+NodeIDSize], p.NodeID[:])
	return n
}

// encodeEndpoint writes ep as a 16-byte IPv6 (or v4-mapped) address and a
// port. An unset endpoint encodes as zeros.
func encodeEndpoint(b []byte, ep netip.AddrPort) {
	clear(b[:endpointSize])
	if !ep.IsValid() {
		return
	}
	addr := ep.Addr().As16()
	copy(b[0:16], addr[:])
	binary.BigEndian.PutUint16(b[16:18], ep.Port())
}

func decodeEndpoint(b []byte) netip.AddrPort {
	var raw [16]byte
	copy(raw[:], b[0:16])
	port := binary.BigEndian.Uint16(b[16:18])
	addr := netip.AddrFrom16(raw).Unmap()
	if port == 0 && addr.IsUnspecified() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, port)
}
