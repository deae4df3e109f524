package constellation

import (
	"context"
	"errors"
	"fmt"

	"github.com/dstroud/constellation/internal/reactor"
)

// Receiver is the receive half of a typed channel from a remote Pid
// (spec.md §3/§4.2).
type Receiver[T any] struct {
	ep   *reactor.RecvEndpoint
	peer Pid
}

// NewReceiver opens the Receiver-side endpoint from remote. It panics if
// remote is this process's own Pid or a Receiver from remote already
// exists.
func NewReceiver[T any](remote Pid) *Receiver[T] {
	r := currentReactor()
	ep, err := r.RegisterReceiver(toWirePid(remote))
	if err != nil {
		panic(fmt.Sprintf("constellation: NewReceiver(%v): %v", remote, err))
	}
	return &Receiver[T]{ep: ep, peer: remote}
}

// Peer returns the remote Pid this Receiver listens to.
func (rv *Receiver[T]) Peer() Pid { return rv.peer }

// TryRecv returns the next available value, reactor.ErrWouldBlock if none
// is buffered yet, or a terminal ChannelError once the channel has ended.
func (rv *Receiver[T]) TryRecv() (T, error) {
	var zero T
	b, err := rv.ep.TryRecv()
	if err != nil {
		if errors.Is(err, reactor.ErrWouldBlock) {
			return zero, err
		}
		return zero, translateChannelErr(err)
	}
	return decodeValue[T](b)
}

// Recv yields the next value, ErrExited once the peer's Sender closes
// cleanly, or ErrUnknown on transport failure.
func (rv *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	b, err := rv.ep.Recv(ctx)
	if err != nil {
		return zero, translateChannelErr(err)
	}
	return decodeValue[T](b)
}

// Close releases this Receiver's half of the connection.
func (rv *Receiver[T]) Close() { rv.ep.Close() }

// OptionReceiver adapts a Receiver[Option[T]] into the lazy-sequence
// contract spec.md §4.2 describes: Next returns ok=false (no error) at the
// first None.
type OptionReceiver[T any] struct {
	*Receiver[Option[T]]
}

// Next yields the next present value, or ok=false at end-of-stream (a
// received None) with err nil, or a zero value with a non-nil err on
// transport failure.
func (o OptionReceiver[T]) Next(ctx context.Context) (value T, ok bool, err error) {
	v, err := o.Receiver.Recv(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if !v.Some {
		var zero T
		return zero, false, nil
	}
	return v.Value, true, nil
}
