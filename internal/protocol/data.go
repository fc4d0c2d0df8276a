package protocol

import "encoding/binary"

// DataPacket carries one fragment of an application message.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|0|                     Sequence Number                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|F|L|O|                  Message Number                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          Timestamp                            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                    Destination Socket ID                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DataPacket struct {
	SequenceNumber      uint32
	FirstInMessage      bool
	LastInMessage       bool
	InOrder             bool
	MessageNumber       uint32
	Timestamp           uint32
	DestinationSocketID uint32
	Data                []byte
}

// IsValidData reports whether buf holds a data packet.
func IsValidData(buf []byte) bool {
	return len(buf) >= HeaderSize && buf[0]&controlFlag == 0
}

func (p *DataPacket) EncodedSize() int { return HeaderSize + len(p.Data) }

func (p *DataPacket) Decode(buf []byte) bool {
	if !IsValidData(buf) {
		return false
	}

	p.SequenceNumber = binary.BigEndian.Uint32(buf[0:4]) & MaxSequenceNumber
	p.FirstInMessage = buf[4]&0x80 != 0
	p.LastInMessage = buf[4]&0x40 != 0
	p.InOrder = buf[4]&0x20 != 0
	p.MessageNumber = binary.BigEndian.Uint32(buf[4:8]) & MaxMessageNumber
	p.Timestamp = binary.BigEndian.Uint32(buf[8:12])
	p.DestinationSocketID = binary.BigEndian.Uint32(buf[12:16])
	p.Data = append([]byte(nil), buf[HeaderSize:]...)
	return true
}

func (p *DataPacket) Encode(buf []byte) int {
	n := p.EncodedSize()
	if len(buf) < n {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], p.SequenceNumber&MaxSequenceNumber)

	word := p.MessageNumber & MaxMessageNumber
	if p.FirstInMessage {
		word |= 0x80000000
	}
	if p.LastInMessage {
		word |= 0x40000000
	}
	if p.InOrder {
		word |= 0x20000000
	}
	binary.BigEndian.PutUint32(buf[4:8], word)
	binary.BigEndian.PutUint32(buf[8:12], p.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], p.DestinationSocketID)
	copy(buf[HeaderSize:], p.Data)
	return n
}
