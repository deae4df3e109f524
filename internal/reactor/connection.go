package reactor

import (
	"io"
	"sync"

	"github.com/dstroud/constellation/internal/wire"
)

// connection is the single TCP session between self and peer (spec.md
// §3/§4.3: "exactly one TCP connection per unordered PID pair"). It
// multiplexes the local Sender's outbound Data frames and the local
// Receiver's inbound Data frames over that one socket, plus CloseSend/
// CloseRecv control frames in either direction.
//
// Grounded on bitsinside-httptap/tcp.go's tcpStream: a channel-backed
// net.Conn-shaped object driven by background read/write goroutines rather
// than direct blocking syscalls in the caller's goroutine.
type connection struct {
	self, peer wire.PidBytes
	r          *Reactor

	establishedOnce sync.Once
	established     chan struct{}
	mu              sync.Mutex
	nc              io.ReadWriteCloser
	establishErr    error

	sendQueue      chan wire.Frame
	sendQueueClose sync.Once

	dataCh chan []byte

	recvOnce sync.Once
	recvDone chan struct{}
	recvErr  error

	sendOnce sync.Once
	sendDone chan struct{}
	sendErr  error

	localMu         sync.Mutex
	localSendClosed bool
	localRecvClosed bool

	socketCloseOnce sync.Once
}

func newConnection(r *Reactor, self, peer wire.PidBytes) *connection {
	return &connection{
		r:           r,
		self:        self,
		peer:        peer,
		established: make(chan struct{}),
		sendQueue:   make(chan wire.Frame, 64),
		dataCh:      make(chan []byte, 32),
		recvDone:    make(chan struct{}),
		sendDone:    make(chan struct{}),
	}
}

// establish attaches the live socket once a dial or accept succeeds. Only
// the first call wins; a later race is closed immediately (it cannot
// happen under our one-side-dials tie-break, but is handled defensively).
func (c *connection) establish(nc io.ReadWriteCloser) {
	won := false
	c.establishedOnce.Do(func() {
		won = true
		c.mu.Lock()
		c.nc = nc
		c.mu.Unlock()
		close(c.established)
		go c.readPump()
		go c.writePump()
	})
	if !won {
		nc.Close()
	}
}

// fail marks the connection as never having been established (dial
// failure). Both directions surface ErrUnknown immediately.
func (c *connection) fail(err error) {
	won := false
	c.establishedOnce.Do(func() {
		won = true
		c.establishErr = err
		close(c.established)
	})
	if !won {
		return
	}
	c.terminateRecv(wrapUnknown(err))
	c.terminateSend(wrapUnknown(err))
}

func (c *connection) readPump() {
	for {
		f, err := wire.ReadFrame(c.nc)
		if err != nil {
			if err == io.EOF {
				c.terminateRecv(wrapExited(nil))
			} else {
				c.terminateRecv(wrapUnknown(err))
			}
			return
		}
		switch f.Kind {
		case wire.KindData:
			// Blocking send applies backpressure: a full dataCh stalls the
			// read loop, which stalls TCP reads, which is exactly the "not
			// reading further" behavior spec.md §4.3 asks for.
			c.dataCh <- f.Payload
		case wire.KindCloseSend:
			c.terminateRecv(wrapExited(nil))
		case wire.KindCloseRecv:
			c.terminateSend(wrapExited(nil))
		case wire.KindAck:
			// reserved, no-op
		}
	}
}

func (c *connection) writePump() {
	<-c.established
	if c.establishErr != nil {
		return
	}
	for f := range c.sendQueue {
		if err := wire.WriteFrame(c.nc, f); err != nil {
			c.terminateSend(wrapUnknown(err))
			return
		}
	}
}

func (c *connection) terminateRecv(err error) {
	c.recvOnce.Do(func() {
		c.recvErr = err
		close(c.recvDone)
	})
	c.maybeCloseSocket()
}

func (c *connection) terminateSend(err error) {
	c.sendOnce.Do(func() {
		c.sendErr = err
		close(c.sendDone)
	})
	c.maybeCloseSocket()
}

// closeLocalSend/closeLocalRecv are called when the local SendEndpoint or
// RecvEndpoint is dropped. Once both are closed, the outbound queue is
// closed so writePump can drain and exit.
func (c *connection) closeLocalSend() {
	c.localMu.Lock()
	c.localSendClosed = true
	both := c.localSendClosed && c.localRecvClosed
	c.localMu.Unlock()
	if both {
		c.finalize()
	}
	c.maybeCloseSocket()
}

func (c *connection) closeLocalRecv() {
	c.localMu.Lock()
	c.localRecvClosed = true
	both := c.localSendClosed && c.localRecvClosed
	c.localMu.Unlock()
	if both {
		c.finalize()
	}
	c.maybeCloseSocket()
}

func (c *connection) finalize() {
	c.sendQueueClose.Do(func() {
		close(c.sendQueue)
	})
}

// maybeCloseSocket implements spec.md §3/§4.3's "when both halves on both
// sides are released, the underlying TCP connection is closed": it fires
// once this side has closed both its own endpoints *and* has observed the
// peer close both of its own (recvDone closes on the peer's CloseSend,
// sendDone closes on the peer's CloseRecv). Any one of the four conditions
// can also be satisfied by a transport failure, which is fine since the
// connection is unusable either way.
func (c *connection) maybeCloseSocket() {
	c.localMu.Lock()
	localDone := c.localSendClosed && c.localRecvClosed
	c.localMu.Unlock()
	if !localDone || !closedChan(c.recvDone) || !closedChan(c.sendDone) {
		return
	}
	c.closeSocket()
	if c.r != nil {
		c.r.removeConn(c.peer, c)
	}
}

func closedChan(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (c *connection) closeSocket() {
	c.socketCloseOnce.Do(func() {
		c.mu.Lock()
		nc := c.nc
		c.mu.Unlock()
		if nc != nil {
			nc.Close()
		}
	})
}

// shutdown force-closes the socket, e.g. on reactor teardown.
func (c *connection) shutdown() {
	c.terminateRecv(wrapUnknown(nil))
	c.terminateSend(wrapUnknown(nil))
	c.closeSocket()
}
