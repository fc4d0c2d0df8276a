package protocol

// MaxSequenceNumber is the largest data sequence number; sequence numbers
// wrap to 0 after it.
const MaxSequenceNumber uint32 = 0x7fffffff

// MaxMessageNumber is the largest message number.
const MaxMessageNumber uint32 = 0x1fffffff

// SeqNext returns the sequence number following s.
func SeqNext(s uint32) uint32 { return (s + 1) & MaxSequenceNumber }

// SeqAdd returns s advanced by n positions.
func SeqAdd(s uint32, n int32) uint32 { return (s + uint32(n)) & MaxSequenceNumber }

// SeqDiff returns the signed distance from b to a in the wrapping sequence
// space. The result is positive when a follows b.
func SeqDiff(a, b uint32) int32 {
	d := (a - b) & MaxSequenceNumber
	if d > MaxSequenceNumber/2 {
		return int32(d) - int32(MaxSequenceNumber) - 1
	}
	return int32(d)
}

// SeqLess reports whether a precedes b.
func SeqLess(a, b uint32) bool { return SeqDiff(a, b) < 0 }

// MsgNext returns the message number following m.
func MsgNext(m uint32) uint32 { return (m + 1) & MaxMessageNumber }
