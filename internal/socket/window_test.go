package socket

import (
	"testing"

	"github.com/1ureka/rudp/internal/protocol"
)

func frag(seq, msg uint32, first, last, inOrder bool, data string) *protocol.DataPacket {
	return &protocol.DataPacket{
		SequenceNumber: seq,
		MessageNumber:  msg,
		FirstInMessage: first,
		LastInMessage:  last,
		InOrder:        inOrder,
		Data:           []byte(data),
	}
}

func TestReceiveWindowInOrder(t *testing.T) {
	w := NewReceiveWindow(10, 64)

	// Message 0 = "ab" (10,11), message 1 = "c" (12). 11 and 12 arrive first.
	if msgs, ok := w.Feed(frag(12, 1, true, true, true, "c")); !ok || len(msgs) != 0 {
		t.Fatalf("seq 12: msgs=%q ok=%v, want none", msgs, ok)
	}
	if msgs, _ := w.Feed(frag(11, 0, false, true, true, "b")); len(msgs) != 0 {
		t.Fatalf("seq 11: got %q before the gap filled", msgs)
	}
	msgs, _ := w.Feed(frag(10, 0, true, false, true, "a"))
	if len(msgs) != 2 || string(msgs[0]) != "ab" || string(msgs[1]) != "c" {
		t.Fatalf("seq 10: got %q, want [ab c]", msgs)
	}
	if w.Next() != 13 {
		t.Errorf("Next() = %d, want 13", w.Next())
	}
}

func TestReceiveWindowRejects(t *testing.T) {
	w := NewReceiveWindow(100, 8)

	if _, ok := w.Feed(frag(99, 0, true, true, true, "old")); ok {
		t.Error("accepted a packet before the window")
	}
	if _, ok := w.Feed(frag(108, 0, true, true, true, "far")); ok {
		t.Error("accepted a packet beyond the capacity")
	}
	if _, ok := w.Feed(frag(102, 0, true, true, true, "x")); !ok {
		t.Fatal("rejected a packet inside the window")
	}
	if _, ok := w.Feed(frag(102, 0, true, true, true, "x")); ok {
		t.Error("accepted a duplicate")
	}
}

func TestReceiveWindowUnorderedOvertakes(t *testing.T) {
	w := NewReceiveWindow(0, 64)

	// in-order message at 0 is missing; unordered message 1 spans 1..2
	if msgs, _ := w.Feed(frag(2, 1, false, true, false, "yz")); len(msgs) != 0 {
		t.Fatalf("incomplete unordered message delivered: %q", msgs)
	}
	msgs, _ := w.Feed(frag(1, 1, true, false, false, "x"))
	if len(msgs) != 1 || string(msgs[0]) != "xyz" {
		t.Fatalf("got %q, want [xyz]", msgs)
	}

	msgs, _ = w.Feed(frag(0, 0, true, true, true, "first"))
	if len(msgs) != 1 || string(msgs[0]) != "first" {
		t.Fatalf("got %q, want [first] without redelivering xyz", msgs)
	}
	if w.Next() != 3 {
		t.Errorf("Next() = %d, want 3", w.Next())
	}
}

func TestReceiveWindowWraps(t *testing.T) {
	last := protocol.MaxSequenceNumber
	w := NewReceiveWindow(last, 16)

	if msgs, _ := w.Feed(frag(0, 5, false, true, true, "2")); len(msgs) != 0 {
		t.Fatalf("got %q early", msgs)
	}
	msgs, _ := w.Feed(frag(last, 5, true, false, true, "1"))
	if len(msgs) != 1 || string(msgs[0]) != "12" {
		t.Fatalf("got %q, want [12]", msgs)
	}
	if w.Next() != 1 {
		t.Errorf("Next() = %d, want 1", w.Next())
	}
}

func TestReceiveWindowMissing(t *testing.T) {
	w := NewReceiveWindow(0, 64)
	for _, s := range []uint32{2, 3, 6, 9} {
		w.Feed(frag(s, s, true, true, true, "p"))
	}

	got := w.Missing(10)
	want := [][2]uint32{{0, 1}, {4, 5}, {7, 8}}
	if len(got) != len(want) {
		t.Fatalf("Missing() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, got[i], want[i])
		}
	}
	if got := w.Missing(1); len(got) != 1 {
		t.Errorf("Missing(1) returned %d ranges", len(got))
	}
	if got := w.Available(); got != 54 {
		t.Errorf("Available() = %d, want 54", got)
	}
}

func TestSendWindow(t *testing.T) {
	var w sendWindow
	msg := &outMessage{}
	for s := uint32(5); s < 10; s++ {
		w.Push(&sendEntry{pkt: &protocol.DataPacket{SequenceNumber: s}, msg: msg})
	}

	var nak protocol.NegativeAckPacket
	nak.AddSequenceNumbers(6, 7)
	if n := w.MarkLost(&nak); n != 2 {
		t.Fatalf("MarkLost = %d, want 2", n)
	}
	if n := w.MarkLost(&nak); n != 0 {
		t.Errorf("second MarkLost = %d, want 0", n)
	}
	if lost := w.Lost(); len(lost) != 2 || lost[0].pkt.SequenceNumber != 6 {
		t.Errorf("Lost() = %d entries", len(lost))
	}

	acked := w.Ack(8)
	if len(acked) != 3 || w.Len() != 2 {
		t.Fatalf("Ack(8) released %d, left %d", len(acked), w.Len())
	}
	if len(w.Ack(8)) != 0 {
		t.Error("repeated ack released entries")
	}
	if n := w.MarkAllLost(); n != 2 {
		t.Errorf("MarkAllLost = %d, want 2", n)
	}
	if len(w.Drain()) != 2 || w.Len() != 0 {
		t.Error("Drain did not empty the window")
	}
}

func TestOutMessageCompletesOnce(t *testing.T) {
	calls := 0
	m := &outMessage{done: func(error) { calls++ }}
	m.complete(nil)
	m.complete(nil)
	if calls != 1 {
		t.Errorf("done called %d times", calls)
	}
}

func TestSeqGenWraps(t *testing.T) {
	g := NewSeqGen(protocol.MaxSequenceNumber)
	if got := g.Next(); got != protocol.MaxSequenceNumber {
		t.Errorf("first = %d", got)
	}
	if got := g.Next(); got != 0 {
		t.Errorf("after wrap = %d, want 0", got)
	}
	if g.Peek() != 1 {
		t.Errorf("Peek() = %d, want 1", g.Peek())
	}
	if randomInitialSequence() > protocol.MaxSequenceNumber {
		t.Error("initial sequence out of range")
	}
}
