package socket

import (
	"math/rand/v2"

	"github.com/1ureka/rudp/internal/protocol"
)

// SeqGen hands out data sequence numbers, wrapping after
// protocol.MaxSequenceNumber. It is goroutine-local.
type SeqGen struct {
	next uint32
}

// NewSeqGen creates a generator whose first Next returns initial.
func NewSeqGen(initial uint32) *SeqGen {
	return &SeqGen{next: initial & protocol.MaxSequenceNumber}
}

// Next returns the next sequence number.
func (g *SeqGen) Next() uint32 {
	n := g.next
	g.next = protocol.SeqNext(n)
	return n
}

// Peek returns the number the next call to Next will return.
func (g *SeqGen) Peek() uint32 {
	return g.next
}

func randomInitialSequence() uint32 {
	return rand.Uint32() & protocol.MaxSequenceNumber
}
