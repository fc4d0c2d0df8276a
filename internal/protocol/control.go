package protocol

import "encoding/binary"

// ControlHeader is the part of the control packet header shared by every
// control type.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|1|            Type             |          Reserved             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                       Additional Info                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          Timestamp                            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                    Destination Socket ID                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type ControlHeader struct {
	Timestamp           uint32
	DestinationSocketID uint32
}

// isValidControl checks the control flag, the type and the minimum length.
func isValidControl(buf []byte, typ uint16, minSize int) bool {
	t, ok := ControlType(buf)
	return ok && t == typ && len(buf) >= minSize
}

func (h *ControlHeader) decodeHeader(buf []byte) (additional uint32) {
	additional = binary.BigEndian.Uint32(buf[4:8])
	h.Timestamp = binary.BigEndian.Uint32(buf[8:12])
	h.DestinationSocketID = binary.BigEndian.Uint32(buf[12:16])
	return additional
}

func (h *ControlHeader) encodeHeader(buf []byte, typ uint16, additional uint32) {
	binary.BigEndian.PutUint16(buf[0:2], 0x8000|typ)
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], additional)
	binary.BigEndian.PutUint32(buf[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], h.DestinationSocketID)
}

// ShutdownPacket tells the peer the connection is closed.
type ShutdownPacket struct {
	ControlHeader
}

func (p *ShutdownPacket) EncodedSize() int { return HeaderSize }

func (p *ShutdownPacket) Decode(buf []byte) bool {
	if !isValidControl(buf, TypeShutdown, HeaderSize) {
		return false
	}
	p.decodeHeader(buf)
	return true
}

func (p *ShutdownPacket) Encode(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	p.encodeHeader(buf, TypeShutdown, 0)
	return HeaderSize
}

// KeepalivePacket checks the peer is alive. Requests carry odd sequence numbers; the
// response to request n carries n+1.
type KeepalivePacket struct {
	ControlHeader
	SequenceNumber uint32
}

// IsRequest reports whether p asks for a response.
func (p *KeepalivePacket) IsRequest() bool { return p.SequenceNumber&1 == 1 }

// IsResponseTo reports whether p answers the request with sequence number req.
func (p *KeepalivePacket) IsResponseTo(req uint32) bool {
	return !p.IsRequest() && p.SequenceNumber == req+1
}

func (p *KeepalivePacket) EncodedSize() int { return HeaderSize }

func (p *KeepalivePacket) Decode(buf []byte) bool {
	if !isValidControl(buf, TypeKeepalive, HeaderSize) {
		return false
	}
	p.SequenceNumber = p.decodeHeader(buf)
	return true
}

func (p *KeepalivePacket) Encode(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	p.encodeHeader(buf, TypeKeepalive, p.SequenceNumber)
	return HeaderSize
}

// AckOfAckPacket confirms receipt of the ack with the same sequence number,
// letting the receiver measure the round-trip time.
type AckOfAckPacket struct {
	ControlHeader
	AckSequenceNumber uint32
}

func (p *AckOfAckPacket) EncodedSize() int { return HeaderSize }

func (p *AckOfAckPacket) Decode(buf []byte) bool {
	if !isValidControl(buf, TypeAckOfAck, HeaderSize) {
		return false
	}
	p.AckSequenceNumber = p.decodeHeader(buf)
	return true
}

func (p *AckOfAckPacket) Encode(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	p.encodeHeader(buf, TypeAckOfAck, p.AckSequenceNumber)
	return HeaderSize
}
