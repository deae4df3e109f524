package reactor

import (
	"context"
	"sync"

	"github.com/dstroud/constellation/internal/wire"
)

// SendEndpoint is the reactor-level handle backing a constellation.Sender[T].
type SendEndpoint struct {
	r         *Reactor
	conn      *connection
	peer      wire.PidBytes
	closeOnce sync.Once
}

// TrySend attempts to enqueue payload without blocking. ok is false if the
// outbound queue is currently full ("would block", spec.md §4.2); err is
// non-nil if the channel is already unusable.
func (s *SendEndpoint) TrySend(payload []byte) (ok bool, err error) {
	select {
	case <-s.conn.sendDone:
		return false, s.conn.sendErr
	default:
	}
	select {
	case s.conn.sendQueue <- wire.Frame{Kind: wire.KindData, Payload: payload}:
		return true, nil
	default:
		return false, nil
	}
}

// Send enqueues payload, suspending until capacity is available or ctx is
// done. Cancelling ctx before the frame is enqueued sends nothing (spec.md
// §4.2 cancellation contract).
func (s *SendEndpoint) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.conn.sendDone:
		return s.conn.sendErr
	default:
	}
	select {
	case s.conn.sendQueue <- wire.Frame{Kind: wire.KindData, Payload: payload}:
		return nil
	case <-s.conn.sendDone:
		return s.conn.sendErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases this endpoint's half of the connection, sending
// CloseSend to the peer.
func (s *SendEndpoint) Close() {
	s.closeOnce.Do(func() {
		select {
		case s.conn.sendQueue <- wire.Frame{Kind: wire.KindCloseSend}:
		case <-s.conn.sendDone:
		}
		s.conn.closeLocalSend()
		s.r.deregisterSender(s.peer)
	})
}

// RecvEndpoint is the reactor-level handle backing a constellation.Receiver[T].
type RecvEndpoint struct {
	r         *Reactor
	conn      *connection
	peer      wire.PidBytes
	closeOnce sync.Once
}

// TryRecv returns the next available payload, ErrWouldBlock if none is
// buffered yet, or a terminal error once the channel has ended.
func (rv *RecvEndpoint) TryRecv() ([]byte, error) {
	select {
	case p := <-rv.conn.dataCh:
		return p, nil
	default:
	}
	select {
	case <-rv.conn.recvDone:
		return nil, rv.conn.recvErr
	default:
		return nil, ErrWouldBlock
	}
}

// Recv yields the next Data payload, or the terminal error once the
// remote's send half closes (ErrExited) or the transport fails
// (ErrUnknown). Any data already buffered is delivered before the
// terminal error surfaces.
func (rv *RecvEndpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-rv.conn.dataCh:
		return p, nil
	default:
	}
	select {
	case p := <-rv.conn.dataCh:
		return p, nil
	case <-rv.conn.recvDone:
		select {
		case p := <-rv.conn.dataCh:
			return p, nil
		default:
		}
		return nil, rv.conn.recvErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases this endpoint's half of the connection, sending
// CloseRecv to the peer.
func (rv *RecvEndpoint) Close() {
	rv.closeOnce.Do(func() {
		select {
		case rv.conn.sendQueue <- wire.Frame{Kind: wire.KindCloseRecv}:
		case <-rv.conn.sendDone:
		}
		rv.conn.closeLocalRecv()
		rv.r.deregisterReceiver(rv.peer)
	})
}
