// Package reactor implements the per-process event loop described in
// spec.md §4.3: it owns the listener, the PID-keyed connection table, and
// the Sender/Receiver endpoint registrations, and multiplexes framed I/O
// across them.
package reactor

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dstroud/constellation/internal/wire"
)

// Decision is returned by an AcceptDecider for each freshly handshaken
// inbound connection.
type Decision int

const (
	// DecisionKeep means this reactor should own the connection.
	DecisionKeep Decision = iota
	// DecisionForward means the connection belongs to another process
	// (spec.md §4.4's socket forwarder); the reactor hands it to Forward
	// and does not install it locally.
	DecisionForward
)

// AcceptDecider lets the monitor's reactor distinguish its own bridge
// channel from connections meant for its supervised worker (spec.md §4.4).
// A nil decider means "always keep", the right default for bridge and
// ordinary worker reactors.
type AcceptDecider func(peer wire.PidBytes) Decision

// Forwarder disposes of a connection this reactor decided not to keep.
type Forwarder func(conn net.Conn, peer wire.PidBytes)

// ForwardedConn is delivered by a socket forwarder's forwardee side: a
// connection accepted by another process's reactor, with the peer's
// announced Pid already known (the handshake bytes were already consumed
// by the forwarding reactor before the connection was handed off).
type ForwardedConn struct {
	Peer wire.PidBytes
	Conn net.Conn
}

// Reactor is a single per-process event loop instance.
type Reactor struct {
	self     wire.PidBytes
	listener net.Listener       // nil for a worker reactor fed only by a forwarder
	inbound  <-chan ForwardedConn // non-nil for a worker reactor behind a monitor
	decide   AcceptDecider
	forward  Forwarder

	mu        sync.Mutex
	conns     map[wire.PidBytes]*connection
	senders   map[wire.PidBytes]*SendEndpoint
	receivers map[wire.PidBytes]*RecvEndpoint
	closed    bool
	closeCh   chan struct{}
}

// New constructs a Reactor. listener and inbound are mutually exclusive in
// practice (a plain worker/bridge reactor supplies listener; a worker
// running behind a monitor supplies inbound instead) but both may be left
// nil in tests driving a reactor purely by explicit dial.
func New(self wire.PidBytes, listener net.Listener, inbound <-chan ForwardedConn, decide AcceptDecider, forward Forwarder) *Reactor {
	return &Reactor{
		self:      self,
		listener:  listener,
		inbound:   inbound,
		decide:    decide,
		forward:   forward,
		conns:     make(map[wire.PidBytes]*connection),
		senders:   make(map[wire.PidBytes]*SendEndpoint),
		receivers: make(map[wire.PidBytes]*RecvEndpoint),
		closeCh:   make(chan struct{}),
	}
}

// Self returns the Pid this reactor is addressed as.
func (r *Reactor) Self() wire.PidBytes { return r.self }

// Run starts the accept loop (if this reactor owns a listener) and the
// forwarded-connection drain loop (if fed by a socket forwarder).
func (r *Reactor) Run() {
	if r.listener != nil {
		go r.acceptLoop()
	}
	if r.inbound != nil {
		go r.drainForwarded()
	}
}

func (r *Reactor) acceptLoop() {
	for {
		nc, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closeCh:
				return
			default:
			}
			continue
		}
		go r.handleAccepted(nc)
	}
}

func (r *Reactor) handleAccepted(nc net.Conn) {
	peer, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return
	}
	r.routeInbound(peer, nc)
}

func (r *Reactor) drainForwarded() {
	for fc := range r.inbound {
		r.installInbound(fc.Peer, fc.Conn)
	}
}

func (r *Reactor) routeInbound(peer wire.PidBytes, nc net.Conn) {
	if r.decide != nil && r.decide(peer) == DecisionForward {
		if r.forward != nil {
			r.forward(nc, peer)
		} else {
			nc.Close()
		}
		return
	}
	r.installInbound(peer, nc)
}

func (r *Reactor) installInbound(peer wire.PidBytes, nc net.Conn) {
	c := r.getOrCreateConn(peer)
	c.establish(nc)
}

// getOrCreateConn returns the (possibly still-connecting) connection for
// peer, creating it and, if self is the numerically smaller Pid, starting
// an active dial (spec.md §9 tie-break: the smaller Pid connects).
func (r *Reactor) getOrCreateConn(peer wire.PidBytes) *connection {
	r.mu.Lock()
	c, ok := r.conns[peer]
	if !ok {
		c = newConnection(r, r.self, peer)
		r.conns[peer] = c
	}
	r.mu.Unlock()
	if !ok && r.self.Less(peer) {
		go r.dial(c)
	}
	return c
}

func (r *Reactor) dial(c *connection) {
	const attempts = 5
	var lastErr error
	for i := 0; i < attempts; i++ {
		nc, err := net.DialTimeout("tcp", c.peer.Addr().String(), 2*time.Second)
		if err == nil {
			if err := writeHandshake(nc, r.self); err != nil {
				nc.Close()
				lastErr = err
				time.Sleep(backoff(i))
				continue
			}
			c.establish(nc)
			return
		}
		lastErr = err
		time.Sleep(backoff(i))
	}
	c.fail(fmt.Errorf("reactor: dial %s: %w", c.peer, lastErr))
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

var errSelfPeer = errors.New("reactor: cannot open a channel to self")
var errDuplicateEndpoint = errors.New("reactor: duplicate endpoint for this peer")

// RegisterSender creates the Sender-side endpoint toward peer. Fails if
// peer is self or a Sender to peer already exists (spec.md §3/§8 invariant
// 6: "creating a second Sender ... is rejected").
func (r *Reactor) RegisterSender(peer wire.PidBytes) (*SendEndpoint, error) {
	if peer == r.self {
		return nil, errSelfPeer
	}
	r.mu.Lock()
	if _, exists := r.senders[peer]; exists {
		r.mu.Unlock()
		return nil, errDuplicateEndpoint
	}
	r.mu.Unlock()
	c := r.getOrCreateConn(peer)
	se := &SendEndpoint{r: r, conn: c, peer: peer}
	r.mu.Lock()
	r.senders[peer] = se
	r.mu.Unlock()
	return se, nil
}

// RegisterReceiver creates the Receiver-side endpoint toward peer.
func (r *Reactor) RegisterReceiver(peer wire.PidBytes) (*RecvEndpoint, error) {
	if peer == r.self {
		return nil, errSelfPeer
	}
	r.mu.Lock()
	if _, exists := r.receivers[peer]; exists {
		r.mu.Unlock()
		return nil, errDuplicateEndpoint
	}
	r.mu.Unlock()
	c := r.getOrCreateConn(peer)
	rv := &RecvEndpoint{r: r, conn: c, peer: peer}
	r.mu.Lock()
	r.receivers[peer] = rv
	r.mu.Unlock()
	return rv, nil
}

// removeConn drops c from the connection table once both sides have fully
// released it (spec.md §3/§4.3), so a new channel to the same peer later
// starts from a clean connection rather than reusing a closed socket. c is
// passed so a connection that lost a race against a fresher one for the
// same peer never deletes the newer entry.
func (r *Reactor) removeConn(peer wire.PidBytes, c *connection) {
	r.mu.Lock()
	if r.conns[peer] == c {
		delete(r.conns, peer)
	}
	r.mu.Unlock()
}

func (r *Reactor) deregisterSender(peer wire.PidBytes) {
	r.mu.Lock()
	delete(r.senders, peer)
	r.mu.Unlock()
}

func (r *Reactor) deregisterReceiver(peer wire.PidBytes) {
	r.mu.Lock()
	delete(r.receivers, peer)
	r.mu.Unlock()
}

// Close tears the reactor down: stops accepting, force-closes every
// connection, and unblocks any endpoint still waiting on one. The root
// package calls it from the shutdown function Init returns.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	close(r.closeCh)
	if r.listener != nil {
		r.listener.Close()
	}
	for _, c := range conns {
		c.shutdown()
	}
	return nil
}
