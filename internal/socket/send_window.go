package socket

import (
	"time"

	"github.com/1ureka/rudp/internal/protocol"
)

// outMessage is one application message queued by Send.
type outMessage struct {
	data    []byte
	number  uint32
	inOrder bool
	done    func(error)

	offset  int  // bytes already cut into fragments
	queued  bool // every fragment has entered the send window
	unacked int  // fragments in the send window
	settled bool
}

// complete reports the outcome of m exactly once.
func (m *outMessage) complete(err error) {
	if m.settled {
		return
	}
	m.settled = true
	if m.done != nil {
		m.done(err)
	}
}

// sendEntry is one data packet awaiting acknowledgement.
type sendEntry struct {
	pkt           *protocol.DataPacket
	msg           *outMessage
	lastSent      time.Time
	transmissions int
	lost          bool
}

// sendWindow holds unacknowledged data packets in sequence order.
// It is goroutine-local.
type sendWindow struct {
	entries []*sendEntry
}

func (w *sendWindow) Len() int { return len(w.entries) }

// Push appends e; its sequence number must follow the last entry's.
func (w *sendWindow) Push(e *sendEntry) {
	w.entries = append(w.entries, e)
}

// Ack removes every entry before next and returns them.
func (w *sendWindow) Ack(next uint32) []*sendEntry {
	n := 0
	for n < len(w.entries) && protocol.SeqLess(w.entries[n].pkt.SequenceNumber, next) {
		n++
	}
	if n == 0 {
		return nil
	}
	acked := w.entries[:n:n]
	w.entries = w.entries[n:]
	return acked
}

// MarkLost flags every entry listed in nak for retransmission and returns
// how many were flagged.
func (w *sendWindow) MarkLost(nak *protocol.NegativeAckPacket) int {
	n := 0
	for _, e := range w.entries {
		if !e.lost && nak.ContainsSequenceNumber(e.pkt.SequenceNumber) {
			e.lost = true
			n++
		}
	}
	return n
}

// MarkAllLost flags the whole window for retransmission.
func (w *sendWindow) MarkAllLost() int {
	for _, e := range w.entries {
		e.lost = true
	}
	return len(w.entries)
}

// Lost returns the flagged entries in sequence order.
func (w *sendWindow) Lost() []*sendEntry {
	var lost []*sendEntry
	for _, e := range w.entries {
		if e.lost {
			lost = append(lost, e)
		}
	}
	return lost
}

// Drain empties the window and returns what it held.
func (w *sendWindow) Drain() []*sendEntry {
	all := w.entries
	w.entries = nil
	return all
}
