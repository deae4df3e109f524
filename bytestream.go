package constellation

import (
	"context"
)

// Writer adapts a Sender[byte] to io.Writer: spec.md §4.2's byte-stream
// convenience contract, one byte per frame, partial progress permitted.
type Writer struct {
	s   *Sender[byte]
	ctx context.Context
}

// NewWriter wraps s as an io.Writer. Each call to Write sends as many
// bytes as currently fit without blocking, matching "partial progress
// permitted"; if none fit, Write blocks until at least one byte is sent or
// ctx is done.
func NewWriter(ctx context.Context, s *Sender[byte]) *Writer {
	return &Writer{s: s, ctx: ctx}
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n < len(p) {
		ok, err := w.s.TrySend(p[n])
		if err != nil {
			return n, err
		}
		if ok {
			n++
			continue
		}
		if n > 0 {
			return n, nil
		}
		if err := w.s.Send(w.ctx, p[n]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Reader adapts a Receiver[byte] to io.Reader.
type Reader struct {
	r   *Receiver[byte]
	ctx context.Context
}

// NewReader wraps r as an io.Reader.
func NewReader(ctx context.Context, r *Receiver[byte]) *Reader {
	return &Reader{r: r, ctx: ctx}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n < len(p) {
		b, err := r.r.TryRecv()
		if err == nil {
			p[n] = b
			n++
			continue
		}
		if n > 0 {
			return n, nil
		}
		b, err = r.r.Recv(r.ctx)
		if err != nil {
			return 0, err
		}
		p[n] = b
		n++
	}
	return n, nil
}
