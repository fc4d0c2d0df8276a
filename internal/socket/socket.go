// Package socket implements one RUDP connection: the handshake, reliable
// delivery with acks, NAKs and retransmission, congestion control, keepalive
// and orderly shutdown.
//
// Each Socket runs a single goroutine that owns all protocol state. Inbound
// datagrams, API calls and timer expiries are all serialised through it.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/status"
	"github.com/1ureka/rudp/internal/transport"
	"github.com/1ureka/rudp/internal/util"
)

const inboxBufferSize = 256

// State is the lifecycle stage of a Socket.
type State int

const (
	StateUnconnected State = iota
	StateProbing
	StateHandshaking
	StateConnected
	StateClosing
	StateClosed
)

var stateNames = [...]string{"unconnected", "probing", "handshaking", "connected", "closing", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Multiplexer is the datagram path a Socket sends through.
type Multiplexer interface {
	SendTo(ctx context.Context, data []byte, to netip.AddrPort) error
	ExternalEndpoint() netip.AddrPort
}

// Registry assigns socket ids and routes inbound datagrams by them.
type Registry interface {
	AddSocket(r transport.Receiver) uint32
	RemoveSocket(id uint32)
}

// Handlers receive a Socket's events. They run on the socket's goroutine and
// must not call back into the same Socket synchronously.
type Handlers struct {
	// OnMessage is called with every complete message.
	OnMessage func(msg []byte)
	// OnClose is called once when the socket closes. err is nil after a
	// local Close that flushed everything.
	OnClose func(err error)
}

type inbound struct {
	data []byte
	from netip.AddrPort
}

// peerInfo is the part of the socket state read from other goroutines.
type peerInfo struct {
	state        State
	endpoint     netip.AddrPort
	socketID     uint32
	nodeID       protocol.NodeID
	observed     netip.AddrPort
	natDetection netip.AddrPort
	bound        *transport.AcceptRequest
}

type role int

const (
	roleNone role = iota
	roleClient
	roleServer
	rolePing
)

// Socket is one end of an RUDP connection.
type Socket struct {
	id       uint32
	mux      Multiplexer
	reg      Registry
	params   *config.Parameters
	local    protocol.NodeID
	handlers Handlers
	now      func() time.Time
	epoch    time.Time

	inbox  chan inbound
	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error // written before done is closed

	infoMu sync.RWMutex
	info   peerInfo

	// Everything below is owned by the loop goroutine.
	state  State
	role   role
	timer  *TickTimer
	waiter chan error

	peer        netip.AddrPort
	peerID      uint32
	cookie      uint32
	initialSeq  uint32
	handshakeAt time.Time

	sess *session // set once connected
}

// New creates an unconnected socket registered with reg and starts its
// goroutine. The socket must be driven by Connect, Accept or Ping, or
// released with Close.
func New(mux Multiplexer, reg Registry, params *config.Parameters, local protocol.NodeID, h Handlers) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		mux:        mux,
		reg:        reg,
		params:     params,
		local:      local,
		handlers:   h,
		now:        time.Now,
		inbox:      make(chan inbound, inboxBufferSize),
		cmds:       make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		timer:      NewTickTimer(),
		initialSeq: randomInitialSequence(),
	}
	s.epoch = s.now()
	s.id = reg.AddSocket(s)
	go s.loop()
	return s
}

// ---------------------------------------------------------------------------
// Accessors (any goroutine)
// ---------------------------------------------------------------------------

func (s *Socket) ID() uint32 { return s.id }

func (s *Socket) State() State {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.state
}

// PeerEndpoint returns the endpoint of the remote socket.
func (s *Socket) PeerEndpoint() netip.AddrPort {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.endpoint
}

// PeerSocketID returns the remote socket id, or 0 before the handshake.
func (s *Socket) PeerSocketID() uint32 {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.socketID
}

// PeerNodeID returns the identity the peer presented in its handshake.
func (s *Socket) PeerNodeID() protocol.NodeID {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.nodeID
}

// ObservedEndpoint returns this node's endpoint as the peer reported it.
func (s *Socket) ObservedEndpoint() netip.AddrPort {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.observed
}

// PeerNatDetectionEndpoint returns the alternative endpoint the peer advertised.
func (s *Socket) PeerNatDetectionEndpoint() netip.AddrPort {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.natDetection
}

// Done is closed once the socket has closed.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err returns the reason the socket closed. It is only meaningful after Done.
func (s *Socket) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// ---------------------------------------------------------------------------
// transport.Receiver / transport.Binder
// ---------------------------------------------------------------------------

// HandleReceiveFrom queues one datagram, dropping it if the inbox is full.
func (s *Socket) HandleReceiveFrom(data []byte, from netip.AddrPort) {
	select {
	case s.inbox <- inbound{data: data, from: from}:
	default:
		util.LogDebug("[%08x] inbox full, dropping datagram", s.id)
		util.Stats.AddDropped()
	}
}

// MatchesHandshake claims connection requests that belong to this socket: a
// rendezvous peer's request while connecting, or a repeated request from the
// peer it already serves.
func (s *Socket) MatchesHandshake(from netip.AddrPort, peerSocketID uint32) bool {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	if s.info.endpoint != from {
		return false
	}
	switch s.info.state {
	case StateHandshaking:
		return s.info.socketID == 0 || s.info.socketID == peerSocketID
	case StateConnected, StateClosing:
		return s.info.socketID == peerSocketID
	}
	return false
}

// BindPeer records the request an Acceptor assigned to this socket.
func (s *Socket) BindPeer(req transport.AcceptRequest) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	s.info.bound = &req
	s.info.endpoint = req.Endpoint
	s.info.socketID = req.SocketID
	s.info.state = StateHandshaking
}

// ---------------------------------------------------------------------------
// Public operations
// ---------------------------------------------------------------------------

// Connect performs the client side of the handshake with endpoint. If the
// peer is connecting to this node at the same time the two requests meet and
// both sides connect (rendezvous). ctx bounds the whole attempt; on expiry
// the socket closes with TimedOut.
func (s *Socket) Connect(ctx context.Context, endpoint netip.AddrPort) error {
	result := make(chan error, 1)
	var err error
	ok := s.do(func() {
		if s.state != StateUnconnected {
			err = status.AlreadyStarted
			return
		}
		if !endpoint.IsValid() {
			err = status.InvalidAddress
			return
		}
		s.role = roleClient
		s.waiter = result
		s.setPeer(endpoint, 0)
		s.setState(StateHandshaking)
		s.handshakeAt = s.now()
		util.LogDebug("[%08x] connecting to %s", s.id, endpoint)
	})
	if !ok {
		return status.InvalidConnection
	}
	if err != nil {
		return err
	}
	return s.wait(ctx, result, fmt.Errorf("connect to %s: %w", endpoint, status.TimedOut))
}

// Accept waits on a for a connection request, binds it to this socket and
// answers it.
func (s *Socket) Accept(ctx context.Context, a *transport.Acceptor) error {
	if st := s.State(); st != StateUnconnected {
		return status.AlreadyStarted
	}
	if err := a.Accept(ctx, s); err != nil {
		return err
	}

	result := make(chan error, 1)
	if !s.do(func() { s.acceptBound(result) }) {
		return status.InvalidConnection
	}
	return s.wait(ctx, result, fmt.Errorf("accept: %w", status.TimedOut))
}

// Ping sends ping handshakes to endpoint until it answers and returns the
// NodeID it reports. The socket closes afterwards.
func (s *Socket) Ping(ctx context.Context, endpoint netip.AddrPort) (protocol.NodeID, error) {
	result := make(chan error, 1)
	var err error
	ok := s.do(func() {
		if s.state != StateUnconnected {
			err = status.AlreadyStarted
			return
		}
		s.role = rolePing
		s.waiter = result
		s.setPeer(endpoint, 0)
		s.setState(StateProbing)
		s.handshakeAt = s.now()
	})
	if !ok {
		return protocol.NodeID{}, status.InvalidConnection
	}
	if err != nil {
		return protocol.NodeID{}, err
	}
	if err := s.wait(ctx, result, fmt.Errorf("ping %s: %w", endpoint, status.TimedOut)); err != nil {
		return protocol.NodeID{}, err
	}
	return s.PeerNodeID(), nil
}

// Send queues msg for reliable delivery. inOrder messages are delivered in
// the order they were sent; other messages may overtake them. done, if not
// nil, is called on the socket's goroutine once every fragment is
// acknowledged, or with an error if the socket closes first. msg must not be
// modified until then.
func (s *Socket) Send(msg []byte, inOrder bool, done func(error)) error {
	if s.params.MaxMessageSize > 0 && len(msg) > s.params.MaxMessageSize {
		return status.MessageTooLarge
	}
	var err error
	ok := s.do(func() {
		if s.state != StateConnected {
			err = status.NotConnected
			return
		}
		s.sess.enqueue(&outMessage{data: msg, inOrder: inOrder, done: done})
	})
	if !ok {
		return status.NotConnected
	}
	return err
}

// Close flushes queued messages for up to DisconnectionTimeout, then tells
// the peer and closes. It returns without waiting; use Done to wait.
func (s *Socket) Close() {
	s.do(s.beginClose)
}

// Abort closes the socket immediately with err.
func (s *Socket) Abort(err error) {
	s.do(func() { s.finish(err) })
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// do runs fn on the socket's goroutine and waits for it. It reports false if
// the socket has already closed.
func (s *Socket) do(fn func()) bool {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
		<-ran
		return true
	case <-s.done:
		return false
	}
}

// wait blocks for the outcome of Connect, Accept or Ping.
func (s *Socket) wait(ctx context.Context, result <-chan error, timeout error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		select {
		case err := <-result:
			return err
		default:
		}
		s.Abort(timeout)
		return timeout
	}
}

func (s *Socket) loop() {
	defer close(s.done)
	for {
		select {
		case in := <-s.inbox:
			s.handlePacket(in)
		case fn := <-s.cmds:
			fn()
		case <-s.timer.C():
		}

		if s.state != StateClosed {
			s.service(s.now())
		}
		if s.state == StateClosed {
			return
		}
		s.rearm()
	}
}

// service runs every timed action that is due and sends what may be sent.
func (s *Socket) service(now time.Time) {
	switch s.state {
	case StateHandshaking, StateProbing:
		if s.role != roleServer && !now.Before(s.handshakeAt) {
			typ := protocol.HandshakeRequest
			if s.state == StateProbing {
				typ = protocol.HandshakePing
			}
			s.sendHandshake(typ)
			s.handshakeAt = now.Add(s.params.DefaultSendTimeout)
		}
	case StateConnected, StateClosing:
		s.sess.service(now)
	}
}

// rearm points the timer at the earliest pending deadline.
func (s *Socket) rearm() {
	s.timer.Reset()
	tick := func(at time.Time) {
		if !at.IsZero() {
			s.timer.TickAt(at)
		}
	}
	switch s.state {
	case StateHandshaking, StateProbing:
		if s.role != roleServer {
			tick(s.handshakeAt)
		}
	case StateConnected, StateClosing:
		for _, at := range s.sess.deadlines() {
			tick(at)
		}
	}
}

func (s *Socket) setState(st State) {
	s.state = st
	s.infoMu.Lock()
	s.info.state = st
	s.infoMu.Unlock()
}

func (s *Socket) setPeer(endpoint netip.AddrPort, id uint32) {
	s.peer = endpoint
	s.peerID = id
	s.infoMu.Lock()
	s.info.endpoint = endpoint
	s.info.socketID = id
	s.infoMu.Unlock()
}

func (s *Socket) timestamp() uint32 {
	return uint32(s.now().Sub(s.epoch).Microseconds())
}

// send encodes p and hands it to the multiplexer.
func (s *Socket) send(p protocol.Packet) {
	data, err := protocol.Marshal(p)
	if err != nil {
		util.LogError("[%08x] encode: %v", s.id, err)
		return
	}
	if err := s.mux.SendTo(s.ctx, data, s.peer); err != nil && !errors.Is(err, context.Canceled) {
		util.LogDebug("[%08x] send to %s: %v", s.id, s.peer, err)
	}
}

// finish closes the socket with reason. nil means an orderly local close.
func (s *Socket) finish(reason error) {
	if s.state == StateClosed {
		return
	}
	if s.state == StateConnected || s.state == StateClosing {
		if !errors.Is(reason, status.ConnectionClosed) {
			s.send(&protocol.ShutdownPacket{ControlHeader: s.header()})
		}
		failure := reason
		if failure == nil {
			failure = status.Canceled
		}
		s.sess.fail(failure)
	}

	s.setState(StateClosed)
	s.timer.Reset()
	if s.waiter != nil {
		if reason == nil {
			s.waiter <- status.Canceled
		} else {
			s.waiter <- reason
		}
		s.waiter = nil
	}

	s.reg.RemoveSocket(s.id)
	s.err = reason
	s.cancel()

	if reason != nil && s.role != rolePing {
		util.LogDebug("[%08x] closed: %v", s.id, reason)
	}
	if s.handlers.OnClose != nil {
		s.handlers.OnClose(reason)
	}
}

func (s *Socket) header() protocol.ControlHeader {
	return protocol.ControlHeader{Timestamp: s.timestamp(), DestinationSocketID: s.peerID}
}
