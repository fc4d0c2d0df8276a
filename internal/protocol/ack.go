package protocol

import "encoding/binary"

const (
	ackLightBody = 4
	ackFullBody  = 24
)

// AckPacket acknowledges every data packet before PacketSequenceNumber.
// A light ack carries only that number; a full ack adds the receiver's
// view of the link.
type AckPacket struct {
	ControlHeader
	AckSequenceNumber    uint32
	PacketSequenceNumber uint32

	HasOptionalFields     bool
	RoundTripTime         uint32 // microseconds
	RoundTripTimeVariance uint32 // microseconds
	AvailableBufferSize   uint32 // packets
	PacketsReceivingRate  uint32 // packets per second
	EstimatedLinkCapacity uint32 // packets per second
}

func (p *AckPacket) EncodedSize() int {
	if p.HasOptionalFields {
		return HeaderSize + ackFullBody
	}
	return HeaderSize + ackLightBody
}

func (p *AckPacket) Decode(buf []byte) bool {
	if !isValidControl(buf, TypeAck, HeaderSize+ackLightBody) {
		return false
	}
	body := len(buf) - HeaderSize
	if body != ackLightBody && body != ackFullBody {
		return false
	}

	p.AckSequenceNumber = p.decodeHeader(buf)
	b := buf[HeaderSize:]
	p.PacketSequenceNumber = binary.BigEndian.Uint32(b[0:4]) & MaxSequenceNumber
	p.HasOptionalFields = body == ackFullBody
	if p.HasOptionalFields {
		p.RoundTripTime = binary.BigEndian.Uint32(b[4:8])
		p.RoundTripTimeVariance = binary.BigEndian.Uint32(b[8:12])
		p.AvailableBufferSize = binary.BigEndian.Uint32(b[12:16])
		p.PacketsReceivingRate = binary.BigEndian.Uint32(b[16:20])
		p.EstimatedLinkCapacity = binary.BigEndian.Uint32(b[20:24])
	}
	return true
}

func (p *AckPacket) Encode(buf []byte) int {
	n := p.EncodedSize()
	if len(buf) < n {
		return 0
	}

	p.encodeHeader(buf, TypeAck, p.AckSequenceNumber)
	b := buf[HeaderSize:]
	binary.BigEndian.PutUint32(b[0:4], p.PacketSequenceNumber&MaxSequenceNumber)
	if p.HasOptionalFields {
		binary.BigEndian.PutUint32(b[4:8], p.RoundTripTime)
		binary.BigEndian.PutUint32(b[8:12], p.RoundTripTimeVariance)
		binary.BigEndian.PutUint32(b[12:16], p.AvailableBufferSize)
		binary.BigEndian.PutUint32(b[16:20], p.PacketsReceivingRate)
		binary.BigEndian.PutUint32(b[20:24], p.EstimatedLinkCapacity)
	}
	return n
}
