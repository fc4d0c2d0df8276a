// Package protocol defines the RUDP wire format.
//
// Every packet starts with a 16-byte header whose last four bytes hold the
// destination socket id. The top bit of the first byte separates data packets
// (0) from control packets (1). All integers are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the size of the common packet header.
const HeaderSize = 16

// Control packet types, carried in bits 30..16 of the first header word.
const (
	TypeHandshake   uint16 = 0
	TypeKeepalive   uint16 = 1
	TypeAck         uint16 = 2
	TypeNegativeAck uint16 = 3
	TypeShutdown    uint16 = 5
	TypeAckOfAck    uint16 = 6
)

const controlFlag = 0x80

// ErrBufferTooSmall is returned by Marshal when a packet refuses to encode.
var ErrBufferTooSmall = errors.New("protocol: buffer too small for packet")

// Packet is implemented by every packet type.
//
// Encode writes the packet into buf and returns the number of bytes written,
// or 0 if buf cannot hold it. Decode reports whether buf held a valid packet
// of the receiver's type.
type Packet interface {
	Encode(buf []byte) int
	Decode(buf []byte) bool
	EncodedSize() int
}

// Marshal encodes p into a freshly allocated buffer.
func Marshal(p Packet) ([]byte, error) {
	buf := make([]byte, p.EncodedSize())
	n := p.Encode(buf)
	if n == 0 {
		return nil, ErrBufferTooSmall
	}
	return buf[:n], nil
}

// DecodeDestinationSocketID reads the destination socket id common to every
// packet. It fails for buffers shorter than the header.
func DecodeDestinationSocketID(buf []byte) (uint32, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf[12:16]), true
}

// IsControl reports whether buf carries a control packet.
func IsControl(buf []byte) bool {
	return len(buf) >= HeaderSize && buf[0]&controlFlag != 0
}

// ControlType returns the control type of buf. ok is false for data packets
// and short buffers.
func ControlType(buf []byte) (t uint16, ok bool) {
	if !IsControl(buf) {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf[0:2]) & 0x7fff, true
}
