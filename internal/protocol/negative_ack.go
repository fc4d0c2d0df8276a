package protocol

import "encoding/binary"

const rangeFlag uint32 = 0x80000000

// NegativeAckPacket lists data packets the receiver is missing. An entry with
// the top bit set starts an inclusive range that ends with the next entry.
type NegativeAckPacket struct {
	ControlHeader
	entries []uint32
}

// AddSequenceNumber reports a single missing packet.
func (p *NegativeAckPacket) AddSequenceNumber(n uint32) {
	p.entries = append(p.entries, n&MaxSequenceNumber)
}

// AddSequenceNumbers reports the inclusive range first..last. The range may
// wrap past MaxSequenceNumber.
func (p *NegativeAckPacket) AddSequenceNumbers(first, last uint32) {
	if first == last {
		p.AddSequenceNumber(first)
		return
	}
	p.entries = append(p.entries, (first&MaxSequenceNumber)|rangeFlag, last&MaxSequenceNumber)
}

// HasSequenceNumbers reports whether any entry was added or decoded.
func (p *NegativeAckPacket) HasSequenceNumbers() bool { return len(p.entries) > 0 }

// Entries returns the raw encoded entries.
func (p *NegativeAckPacket) Entries() []uint32 { return p.entries }

// ContainsSequenceNumber reports whether n is covered by an entry.
func (p *NegativeAckPacket) ContainsSequenceNumber(n uint32) bool {
	n &= MaxSequenceNumber
	for i := 0; i < len(p.entries); i++ {
		e := p.entries[i]
		if e&rangeFlag != 0 && i+1 < len(p.entries) {
			first := e & MaxSequenceNumber
			last := p.entries[i+1] & MaxSequenceNumber
			i++
			if first <= last {
				if first <= n && n <= last {
					return true
				}
			} else if first <= n || n <= last {
				return true
			}
			continue
		}
		if e&MaxSequenceNumber == n {
			return true
		}
	}
	return false
}

// IsValidNegativeAck reports whether buf holds a negative ack with at least
// one entry.
func IsValidNegativeAck(buf []byte) bool {
	return isValidControl(buf, TypeNegativeAck, HeaderSize+4) && (len(buf)-HeaderSize)%4 == 0
}

func (p *NegativeAckPacket) EncodedSize() int { return HeaderSize + 4*len(p.entries) }

func (p *NegativeAckPacket) Decode(buf []byte) bool {
	if !IsValidNegativeAck(buf) {
		return false
	}
	p.decodeHeader(buf)
	p.entries = p.entries[:0]
	for b := buf[HeaderSize:]; len(b) >= 4; b = b[4:] {
		p.entries = append(p.entries, binary.BigEndian.Uint32(b[0:4]))
	}
	return true
}

func (p *NegativeAckPacket) Encode(buf []byte) int {
	n := p.EncodedSize()
	if len(p.entries) == 0 || len(buf) < n {
		return 0
	}
	p.encodeHeader(buf, TypeNegativeAck, 0)
	b := buf[HeaderSize:]
	for i, e := range p.entries {
		binary.BigEndian.PutUint32(b[4*i:], e)
	}
	return n
}
