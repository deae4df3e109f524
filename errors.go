package constellation

import (
	"errors"
	"fmt"
)

// ChannelError is returned by Receiver.Recv/TryRecv and by Sender.Send when
// the channel is no longer usable.
type ChannelError struct {
	kind channelErrorKind
	err  error
}

type channelErrorKind int

const (
	// ErrExited means the peer closed its send half cleanly; no more data
	// will ever arrive.
	channelExited channelErrorKind = iota
	// ErrUnknown means a transport or protocol failure made the channel
	// unusable.
	channelUnknown
)

var (
	// ErrExited is the sentinel matched by errors.Is(err, ErrExited).
	ErrExited = &ChannelError{kind: channelExited}
	// ErrUnknown is the sentinel matched by errors.Is(err, ErrUnknown).
	ErrUnknown = &ChannelError{kind: channelUnknown}
)

func (e *ChannelError) Error() string {
	switch e.kind {
	case channelExited:
		if e.err != nil {
			return fmt.Sprintf("constellation: channel exited: %v", e.err)
		}
		return "constellation: channel exited"
	default:
		if e.err != nil {
			return fmt.Sprintf("constellation: channel error: %v", e.err)
		}
		return "constellation: channel error"
	}
}

func (e *ChannelError) Is(target error) bool {
	o, ok := target.(*ChannelError)
	if !ok {
		return false
	}
	return e.kind == o.kind
}

func (e *ChannelError) Unwrap() error { return e.err }

func wrapExited(err error) error { return &ChannelError{kind: channelExited, err: err} }
func wrapUnknown(err error) error { return &ChannelError{kind: channelUnknown, err: err} }

// TrySpawnError is returned by TrySpawn when a new process could not be
// created immediately.
type TrySpawnError struct {
	kind trySpawnErrorKind
	err  error
}

type trySpawnErrorKind int

const (
	trySpawnNoCapacity trySpawnErrorKind = iota
	trySpawnExec
)

var (
	// ErrNoCapacity means the fabric scheduler cannot allocate the
	// requested resources right now. Native spawns never return it; every
	// native launch failure is ErrExec.
	ErrNoCapacity = &TrySpawnError{kind: trySpawnNoCapacity}
	// ErrExec means fork/exec, or the fabric-side launch, failed outright.
	ErrExec = &TrySpawnError{kind: trySpawnExec}
)

func (e *TrySpawnError) Error() string {
	switch e.kind {
	case trySpawnNoCapacity:
		return "constellation: no capacity to spawn"
	default:
		if e.err != nil {
			return fmt.Sprintf("constellation: spawn exec failed: %v", e.err)
		}
		return "constellation: spawn exec failed"
	}
}

func (e *TrySpawnError) Is(target error) bool {
	o, ok := target.(*TrySpawnError)
	if !ok {
		return false
	}
	return e.kind == o.kind
}

func (e *TrySpawnError) Unwrap() error { return e.err }

func wrapNoCapacity(err error) error { return &TrySpawnError{kind: trySpawnNoCapacity, err: err} }
func wrapExec(err error) error       { return &TrySpawnError{kind: trySpawnExec, err: err} }

// SpawnError is returned by the blocking Spawn call: a TrySpawnError that
// survived retrying until final failure (NoCapacity is retried internally
// in deployed mode; see spec.md §7).
type SpawnError struct {
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("constellation: spawn failed: %v", e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// asSpawnError maps a TrySpawnError into a SpawnError, for the public
// blocking Spawn API.
func asSpawnError(err error) error {
	if err == nil {
		return nil
	}
	var tse *TrySpawnError
	if errors.As(err, &tse) {
		return &SpawnError{Cause: tse}
	}
	return &SpawnError{Cause: err}
}
