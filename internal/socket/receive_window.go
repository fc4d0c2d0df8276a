package socket

import (
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/util"
)

type recvEntry struct {
	pkt       *protocol.DataPacket
	delivered bool
}

// ReceiveWindow reorders the data packets of one connection and reassembles
// them into messages. In-order messages are released in sequence order;
// out-of-order messages are released as soon as all their fragments are
// present. It is goroutine-local and needs no locking.
type ReceiveWindow struct {
	next     uint32 // first sequence number not yet received contiguously
	highest  uint32 // highest sequence number received
	capacity uint32
	buffer   map[uint32]*recvEntry

	partial    [][]byte // fragments of the in-order message being assembled
	assembling bool
}

// NewReceiveWindow creates a window expecting initial next and buffering at
// most capacity packets ahead of it.
func NewReceiveWindow(initial, capacity uint32) *ReceiveWindow {
	return &ReceiveWindow{
		next:     initial,
		highest:  protocol.SeqAdd(initial, -1),
		capacity: max(capacity, 1),
		buffer:   make(map[uint32]*recvEntry),
	}
}

// Feed stores pkt and returns the messages it completes. accepted is false
// for duplicates and packets outside the window.
func (w *ReceiveWindow) Feed(pkt *protocol.DataPacket) (msgs [][]byte, accepted bool) {
	seq := pkt.SequenceNumber
	d := protocol.SeqDiff(seq, w.next)
	if d < 0 || uint32(d) >= w.capacity {
		util.LogDebug("[%08x] data %d outside window [%d,+%d), ignoring",
			pkt.DestinationSocketID, seq, w.next, w.capacity)
		return nil, false
	}
	if _, dup := w.buffer[seq]; dup {
		return nil, false
	}

	w.buffer[seq] = &recvEntry{pkt: pkt}
	if protocol.SeqLess(w.highest, seq) {
		w.highest = seq
	}

	if !pkt.InOrder {
		if m := w.assembleUnordered(seq); m != nil {
			msgs = append(msgs, m)
		}
	}
	return append(msgs, w.drain()...), true
}

// assembleUnordered releases the out-of-order message containing seq if all
// of its fragments are buffered.
func (w *ReceiveWindow) assembleUnordered(seq uint32) []byte {
	number := w.buffer[seq].pkt.MessageNumber
	fragment := func(s uint32) *recvEntry {
		e, ok := w.buffer[s]
		if !ok || e.delivered || e.pkt.MessageNumber != number {
			return nil
		}
		return e
	}

	first := seq
	for !w.buffer[first].pkt.FirstInMessage {
		prev := protocol.SeqAdd(first, -1)
		if fragment(prev) == nil {
			return nil
		}
		first = prev
	}
	last := seq
	for !w.buffer[last].pkt.LastInMessage {
		next := protocol.SeqNext(last)
		if fragment(next) == nil {
			return nil
		}
		last = next
	}

	var parts [][]byte
	for s := first; ; s = protocol.SeqNext(s) {
		e := w.buffer[s]
		e.delivered = true
		parts = append(parts, e.pkt.Data)
		if s == last {
			break
		}
	}
	return join(parts)
}

// drain advances next over contiguous packets, assembling in-order messages.
func (w *ReceiveWindow) drain() [][]byte {
	var msgs [][]byte
	for {
		e, ok := w.buffer[w.next]
		if !ok {
			return msgs
		}
		delete(w.buffer, w.next)
		w.next = protocol.SeqNext(w.next)

		if e.delivered {
			continue
		}
		if e.pkt.FirstInMessage {
			w.partial = w.partial[:0]
			w.assembling = true
		}
		if !w.assembling {
			continue
		}
		w.partial = append(w.partial, e.pkt.Data)
		if e.pkt.LastInMessage {
			msgs = append(msgs, join(w.partial))
			w.partial = nil
			w.assembling = false
		}
	}
}

// Next returns the first sequence number not yet received contiguously.
func (w *ReceiveWindow) Next() uint32 { return w.next }

// Available returns how many more packets the window can buffer.
func (w *ReceiveWindow) Available() uint32 {
	span := uint32(protocol.SeqDiff(w.highest, w.next) + 1)
	if span >= w.capacity {
		return 0
	}
	return w.capacity - span
}

// Missing returns up to limit ranges [first, last] of sequence numbers
// between next and the highest received packet that have not arrived.
func (w *ReceiveWindow) Missing(limit int) [][2]uint32 {
	var ranges [][2]uint32
	inGap := false
	var start uint32
	for s := w.next; !protocol.SeqLess(w.highest, s); s = protocol.SeqNext(s) {
		_, ok := w.buffer[s]
		switch {
		case !ok && !inGap:
			inGap, start = true, s
		case ok && inGap:
			inGap = false
			ranges = append(ranges, [2]uint32{start, protocol.SeqAdd(s, -1)})
			if len(ranges) == limit {
				return ranges
			}
		}
	}
	// the highest packet is always present, so a gap never reaches it
	return ranges
}

func join(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
