package socket

import (
	"time"

	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/util"
)

const (
	maxNakRanges   = 128
	ackHistorySize = 64
)

// session is the data path of a connected Socket. It lives on the socket's
// goroutine.
type session struct {
	s *Socket

	dataSize int
	seq      *SeqGen
	msgNum   uint32
	pending  []*outMessage
	window   sendWindow
	cc       *Congestion
	peerFlow uint32 // packets the peer can still buffer

	lastProgress time.Time // last ack that released data, or the first send after idle
	sendAt       time.Time // pacing wake-up while data is held back

	recv          *ReceiveWindow
	ackSeq        uint32
	ackSent       map[uint32]time.Time
	ackAt         time.Time
	lastAckNext   uint32
	lastAckAt     time.Time
	ackConfirmed  bool
	reack         bool // a duplicate arrived; the last ack may be lost
	nakAt         time.Time
	rtt, rttVar   time.Duration
	recvCount     int
	recvCountFrom time.Time

	keepaliveSeq      uint32
	keepalivePending  bool
	keepaliveDeadline time.Time
	keepaliveAt       time.Time
	keepaliveFailures uint32

	speedAt    time.Time
	ackedBytes int
	busy       bool // data was outstanding for the whole speed interval

	closeDeadline time.Time
}

func newSession(s *Socket, hs *protocol.HandshakePacket, now time.Time) *session {
	p := s.params
	dataSize := int(p.DefaultDataSize)
	if hs.MaxPacketSize > protocol.HeaderSize {
		dataSize = min(dataSize, int(hs.MaxPacketSize)-protocol.HeaderSize)
	}

	ss := &session{
		s:             s,
		dataSize:      max(dataSize, 1),
		seq:           NewSeqGen(s.initialSeq),
		cc:            NewCongestion(p, dataSize+protocol.HeaderSize, now),
		peerFlow:      max(hs.MaxFlowWindowSize, 1),
		recv:          NewReceiveWindow(hs.InitialSequence, p.MaximumWindowSize),
		ackSent:       make(map[uint32]time.Time),
		ackAt:         now.Add(p.AckInterval),
		lastAckNext:   hs.InitialSequence,
		ackConfirmed:  true,
		recvCountFrom: now,
		keepaliveSeq:  1,
		keepaliveAt:   now.Add(p.KeepaliveInterval),
		speedAt:       now.Add(p.SpeedCalculateInterval),
	}
	return ss
}

// deadlines lists the times at which service has work to do.
func (ss *session) deadlines() []time.Time {
	d := []time.Time{ss.ackAt, ss.nakAt, ss.keepaliveAt, ss.speedAt, ss.sendAt, ss.closeDeadline}
	if ss.keepalivePending {
		d = append(d, ss.keepaliveDeadline)
	}
	if ss.window.Len() > 0 {
		d = append(d, ss.lastProgress.Add(ss.s.params.DefaultSendTimeout))
	}
	return d
}

// service runs due timers and sends whatever the window and pacing allow.
func (ss *session) service(now time.Time) {
	s := ss.s
	p := s.params

	if ss.window.Len() > 0 && !now.Before(ss.lastProgress.Add(p.DefaultSendTimeout)) {
		n := ss.window.MarkAllLost()
		util.LogDebug("[%08x] retransmission timeout, resending %d packets", s.id, n)
		ss.cc.OnTimeout(now)
		ss.lastProgress = now
	}
	if !now.Before(ss.ackAt) {
		ss.sendAck(now)
	}
	if !ss.nakAt.IsZero() && !now.Before(ss.nakAt) {
		ss.sendNak(now)
	}
	if !ss.checkKeepalive(now) || !ss.checkSpeed(now) {
		return
	}

	ss.flush(now)

	if s.state == StateClosing {
		if len(ss.pending) == 0 && ss.window.Len() == 0 {
			s.finish(nil)
		} else if !now.Before(ss.closeDeadline) {
			util.LogDebug("[%08x] disconnection timeout with data unsent", s.id)
			s.finish(nil)
		}
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func (ss *session) enqueue(m *outMessage) {
	m.number = ss.msgNum
	ss.msgNum = protocol.MsgNext(ss.msgNum)
	ss.pending = append(ss.pending, m)
}

// flush retransmits lost packets, then cuts new fragments while the flow
// window and pacing allow.
func (ss *session) flush(now time.Time) {
	ss.sendAt = time.Time{}

	for _, e := range ss.window.Lost() {
		if !ss.pace(now) {
			return
		}
		e.lost = false
		ss.transmit(e, now)
		util.Stats.AddRetransmit()
	}

	limit := int(min(uint32(ss.cc.Window()), ss.peerFlow))
	for len(ss.pending) > 0 && ss.window.Len() < max(limit, 1) {
		if !ss.pace(now) {
			return
		}
		e := ss.nextFragment()
		if ss.window.Len() == 0 {
			ss.lastProgress = now
			if !ss.busy {
				ss.busy = true
				ss.ackedBytes = 0
				ss.speedAt = now.Add(ss.s.params.SpeedCalculateInterval)
			}
		}
		ss.window.Push(e)
		ss.transmit(e, now)
	}
}

func (ss *session) pace(now time.Time) bool {
	ok, wait := ss.cc.Pace(now)
	if !ok {
		ss.sendAt = now.Add(max(wait, time.Microsecond))
	}
	return ok
}

func (ss *session) nextFragment() *sendEntry {
	m := ss.pending[0]
	n := min(len(m.data)-m.offset, ss.dataSize)
	pkt := &protocol.DataPacket{
		SequenceNumber:      ss.seq.Next(),
		FirstInMessage:      m.offset == 0,
		LastInMessage:       m.offset+n == len(m.data),
		InOrder:             m.inOrder,
		MessageNumber:       m.number,
		DestinationSocketID: ss.s.peerID,
		Data:                m.data[m.offset : m.offset+n],
	}
	m.offset += n
	m.unacked++
	if pkt.LastInMessage {
		m.queued = true
		ss.pending = ss.pending[1:]
	}
	return &sendEntry{pkt: pkt, msg: m}
}

func (ss *session) transmit(e *sendEntry, now time.Time) {
	e.pkt.Timestamp = ss.s.timestamp()
	e.lastSent = now
	e.transmissions++
	ss.s.send(e.pkt)
}

// fail completes every queued message with err.
func (ss *session) fail(err error) {
	for _, e := range ss.window.Drain() {
		e.msg.complete(err)
	}
	for _, m := range ss.pending {
		m.complete(err)
	}
	ss.pending = nil
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

func (ss *session) handleData(data []byte) {
	s := ss.s
	var pkt protocol.DataPacket
	if !pkt.Decode(data) || pkt.DestinationSocketID != s.id {
		util.Stats.AddDropped()
		return
	}

	now := s.now()
	prevHighest := ss.recv.highest
	msgs, accepted := ss.recv.Feed(&pkt)
	if !accepted {
		if protocol.SeqLess(pkt.SequenceNumber, ss.recv.Next()) {
			ss.reack = true
		}
		return
	}
	ss.recvCount++

	if protocol.SeqDiff(pkt.SequenceNumber, prevHighest) > 1 {
		at := now.Add(s.params.DefaultReceiveDelay)
		if ss.nakAt.IsZero() || at.Before(ss.nakAt) {
			ss.nakAt = at
		}
	}

	for _, m := range msgs {
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(m)
		}
	}
}

func (ss *session) handleControl(typ uint16, data []byte) {
	s := ss.s
	now := s.now()

	switch typ {
	case protocol.TypeAck:
		var ack protocol.AckPacket
		if ack.Decode(data) {
			ss.handleAck(&ack, now)
		}
	case protocol.TypeNegativeAck:
		var nak protocol.NegativeAckPacket
		if nak.Decode(data) {
			if n := ss.window.MarkLost(&nak); n > 0 {
				util.LogDebug("[%08x] peer reported %d packets lost", s.id, n)
				ss.cc.OnLoss(now)
			}
		}
	case protocol.TypeAckOfAck:
		var ack2 protocol.AckOfAckPacket
		if ack2.Decode(data) {
			ss.handleAckOfAck(&ack2, now)
		}
	case protocol.TypeKeepalive:
		var ka protocol.KeepalivePacket
		if !ka.Decode(data) {
			return
		}
		if ka.IsRequest() {
			s.send(&protocol.KeepalivePacket{ControlHeader: s.header(), SequenceNumber: ka.SequenceNumber + 1})
		} else if ss.keepalivePending && ka.IsResponseTo(ss.keepaliveSeq) {
			ss.keepalivePending = false
			ss.keepaliveFailures = 0
			ss.keepaliveSeq += 2
		}
	case protocol.TypeShutdown:
		var sd protocol.ShutdownPacket
		if sd.Decode(data) {
			util.LogDebug("[%08x] peer shut down", s.id)
			s.finish(status.ConnectionClosed)
		}
	}
}

func (ss *session) handleAck(ack *protocol.AckPacket, now time.Time) {
	s := ss.s
	s.send(&protocol.AckOfAckPacket{ControlHeader: s.header(), AckSequenceNumber: ack.AckSequenceNumber})

	if protocol.SeqLess(ss.seq.Peek(), ack.PacketSequenceNumber) {
		util.LogDebug("[%08x] ack %d beyond sent data, ignoring", s.id, ack.PacketSequenceNumber)
		return
	}
	if ack.HasOptionalFields {
		ss.cc.SetRTT(now, time.Duration(ack.RoundTripTime)*time.Microsecond)
		ss.peerFlow = max(ack.AvailableBufferSize, 1)
	}

	acked := ss.window.Ack(ack.PacketSequenceNumber)
	if len(acked) == 0 {
		return
	}
	ss.lastProgress = now
	ss.cc.OnAck(now, len(acked))
	for _, e := range acked {
		ss.ackedBytes += len(e.pkt.Data)
		e.msg.unacked--
		if e.msg.queued && e.msg.unacked == 0 {
			e.msg.complete(nil)
		}
	}
	if ss.window.Len() == 0 && len(ss.pending) == 0 {
		ss.busy = false
	}
}

func (ss *session) sendAck(now time.Time) {
	s := ss.s
	p := s.params
	ss.ackAt = now.Add(p.AckInterval)

	next := ss.recv.Next()
	resend := !ss.ackConfirmed && !ss.lastAckAt.IsZero() && now.Sub(ss.lastAckAt) >= p.DefaultAckTimeout
	if next == ss.lastAckNext && !resend && !ss.reack {
		return
	}
	ss.reack = false

	var rate uint32
	if elapsed := now.Sub(ss.recvCountFrom); elapsed > 0 {
		rate = uint32(float64(ss.recvCount) / elapsed.Seconds())
	}
	ss.recvCount = 0
	ss.recvCountFrom = now

	ss.ackSeq++
	ack := &protocol.AckPacket{
		ControlHeader:         s.header(),
		AckSequenceNumber:     ss.ackSeq,
		PacketSequenceNumber:  next,
		HasOptionalFields:     true,
		RoundTripTime:         uint32(ss.rtt.Microseconds()),
		RoundTripTimeVariance: uint32(ss.rttVar.Microseconds()),
		AvailableBufferSize:   ss.recv.Available(),
		PacketsReceivingRate:  rate,
		EstimatedLinkCapacity: uint32(p.ConnectionType.BitsPerSecond() / float64(8*p.DefaultSize)),
	}
	s.send(ack)

	ss.ackSent[ss.ackSeq] = now
	delete(ss.ackSent, ss.ackSeq-ackHistorySize)
	ss.lastAckNext = next
	ss.lastAckAt = now
	ss.ackConfirmed = false
}

func (ss *session) handleAckOfAck(ack2 *protocol.AckOfAckPacket, now time.Time) {
	sentAt, ok := ss.ackSent[ack2.AckSequenceNumber]
	if !ok {
		return
	}
	delete(ss.ackSent, ack2.AckSequenceNumber)
	if ack2.AckSequenceNumber == ss.ackSeq {
		ss.ackConfirmed = true
	}

	sample := now.Sub(sentAt)
	if ss.rtt == 0 {
		ss.rtt = sample
		ss.rttVar = sample / 2
		return
	}
	dev := ss.rtt - sample
	if dev < 0 {
		dev = -dev
	}
	ss.rttVar = (3*ss.rttVar + dev) / 4
	ss.rtt = (7*ss.rtt + sample) / 8
}

func (ss *session) sendNak(now time.Time) {
	s := ss.s
	ranges := ss.recv.Missing(maxNakRanges)
	if len(ranges) == 0 {
		ss.nakAt = time.Time{}
		return
	}

	nak := &protocol.NegativeAckPacket{ControlHeader: s.header()}
	for _, r := range ranges {
		nak.AddSequenceNumbers(r[0], r[1])
	}
	s.send(nak)
	util.Stats.AddNak()
	ss.nakAt = now.Add(s.params.DefaultReceiveTimeout)
}

// ---------------------------------------------------------------------------
// Liveness
// ---------------------------------------------------------------------------

// checkKeepalive pings the peer and reports false if the socket closed.
func (ss *session) checkKeepalive(now time.Time) bool {
	s := ss.s
	p := s.params

	if ss.keepalivePending && !now.Before(ss.keepaliveDeadline) {
		ss.keepalivePending = false
		ss.keepaliveSeq += 2
		ss.keepaliveFailures++
		util.LogDebug("[%08x] keepalive %d unanswered (%d/%d)", s.id, ss.keepaliveSeq-2, ss.keepaliveFailures, p.MaximumKeepaliveFailures)
		if ss.keepaliveFailures > p.MaximumKeepaliveFailures {
			s.finish(status.KeepaliveFailure)
			return false
		}
	}

	if !now.Before(ss.keepaliveAt) {
		ss.keepaliveAt = now.Add(p.KeepaliveInterval)
		if !ss.keepalivePending {
			s.send(&protocol.KeepalivePacket{ControlHeader: s.header(), SequenceNumber: ss.keepaliveSeq})
			ss.keepalivePending = true
			ss.keepaliveDeadline = now.Add(min(p.KeepaliveTimeout, p.KeepaliveInterval))
		}
	}
	return true
}

// checkSpeed closes the socket if outstanding data moved slower than
// SlowSpeedThreshold over a whole interval. It reports false if it did.
func (ss *session) checkSpeed(now time.Time) bool {
	s := ss.s
	p := s.params
	if now.Before(ss.speedAt) {
		return true
	}

	if p.SlowSpeedThreshold > 0 && ss.busy && ss.window.Len() > 0 {
		elapsed := now.Sub(ss.speedAt.Add(-p.SpeedCalculateInterval))
		bps := float64(ss.ackedBytes*8) / elapsed.Seconds()
		if bps < float64(p.SlowSpeedThreshold) {
			util.LogWarning("[%08x] transfer speed %.0f bit/s below threshold", s.id, bps)
			s.finish(status.SlowSpeed)
			return false
		}
	}

	ss.speedAt = now.Add(p.SpeedCalculateInterval)
	ss.ackedBytes = 0
	ss.busy = ss.window.Len() > 0 || len(ss.pending) > 0
	return true
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func (s *Socket) beginClose() {
	switch s.state {
	case StateConnected:
		s.setState(StateClosing)
		s.sess.closeDeadline = s.now().Add(s.params.DisconnectionTimeout)
	case StateClosing, StateClosed:
	default:
		s.finish(status.Canceled)
	}
}
