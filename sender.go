package constellation

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/dstroud/constellation/internal/reactor"
)

// Sender is the send half of a typed channel to a remote Pid (spec.md
// §3/§4.2). At most one Sender[T] may exist toward any given remote Pid
// from this process at a time, regardless of T.
type Sender[T any] struct {
	ep   *reactor.SendEndpoint
	peer Pid
}

// NewSender opens the Sender-side endpoint toward remote. It panics if
// remote is this process's own Pid or if a Sender toward remote already
// exists, matching the contract in spec.md §4.2 ("Sender<T>::new ...
// Fails (panics by contract ...)").
func NewSender[T any](remote Pid) *Sender[T] {
	r := currentReactor()
	ep, err := r.RegisterSender(toWirePid(remote))
	if err != nil {
		panic(fmt.Sprintf("constellation: NewSender(%v): %v", remote, err))
	}
	return &Sender[T]{ep: ep, peer: remote}
}

// Peer returns the remote Pid this Sender targets.
func (s *Sender[T]) Peer() Pid { return s.peer }

func encodeValue[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("constellation: encode channel value: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeValue[T any](b []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return v, fmt.Errorf("constellation: decode channel value: %w", err)
	}
	return v, nil
}

// TrySend enqueues v if the reactor reports writable capacity; otherwise
// it returns ok=false ("would block", spec.md §4.2).
func (s *Sender[T]) TrySend(v T) (ok bool, err error) {
	payload, err := encodeValue(v)
	if err != nil {
		return false, err
	}
	ok, err = s.ep.TrySend(payload)
	return ok, translateChannelErr(err)
}

// Send suspends until capacity is available, then enqueues v. Cancelling
// ctx before the frame is enqueued sends nothing.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	payload, err := encodeValue(v)
	if err != nil {
		return err
	}
	return translateChannelErr(s.ep.Send(ctx, payload))
}

// Close releases this Sender's half of the connection.
func (s *Sender[T]) Close() { s.ep.Close() }

func translateChannelErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, reactor.ErrExited) {
		return wrapExited(errors.Unwrap(err))
	}
	if errors.Is(err, reactor.ErrUnknown) {
		return wrapUnknown(errors.Unwrap(err))
	}
	if errors.Is(err, reactor.ErrWouldBlock) {
		return err
	}
	return err
}

// Option models Rust's Option<T> for the stream/sink contract in spec.md
// §4.2: a Sender[Option[T]] is an infinite sink; a Receiver[Option[T]]
// presents a lazy sequence ending at the first None.
type Option[T any] struct {
	Some  bool
	Value T
}

// SomeValue wraps v as a present Option value.
func SomeValue[T any](v T) Option[T] { return Option[T]{Some: true, Value: v} }

// NoneValue is the logical end-of-stream marker.
func NoneValue[T any]() Option[T] { return Option[T]{} }
