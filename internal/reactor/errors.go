package reactor

import "errors"

// ErrExited and ErrUnknown mirror the taxonomy in spec.md §7. The root
// package maps these onto constellation.ErrExited / constellation.ErrUnknown
// so callers never see reactor-internal error values directly.
var (
	ErrExited  = errors.New("reactor: channel exited")
	ErrUnknown = errors.New("reactor: channel unusable")
)

// ErrWouldBlock is returned by TryRecv when no payload is buffered yet.
// TrySend reports a full outbound queue as ok=false with a nil error.
var ErrWouldBlock = errors.New("reactor: would block")

func wrapExited(cause error) error {
	if cause == nil {
		return ErrExited
	}
	return &wrappedErr{sentinel: ErrExited, cause: cause}
}

func wrapUnknown(cause error) error {
	if cause == nil {
		return ErrUnknown
	}
	return &wrappedErr{sentinel: ErrUnknown, cause: cause}
}

type wrappedErr struct {
	sentinel error
	cause    error
}

func (e *wrappedErr) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *wrappedErr) Is(target error) bool { return target == e.sentinel }
func (e *wrappedErr) Unwrap() error { return e.cause }
