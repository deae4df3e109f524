// Package bridge implements the aggregation process described in spec.md
// §4.7: a single reactor that every monitor (and the top process itself)
// connects to, relaying Spawn/Output/Exit events up and Input/Kill events
// back down, and presenting a merged view of the whole constellation.
package bridge

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dstroud/constellation/internal/reactor"
	"github.com/dstroud/constellation/internal/wire"
)

// worker is the bridge's view of one tracked Pid, whether it is the top
// process itself or a monitor relaying a spawned worker's events.
type worker struct {
	pid  wire.PidBytes
	send *reactor.SendEndpoint
	recv *reactor.RecvEndpoint
}

type taggedEvent struct {
	pid wire.PidBytes
	ev  wire.ProcessOutputEvent
}

// Bridge is the merged event-loop described in spec.md §4.7. It is built
// around a plain fan-in channel rather than a reflect.Select over a
// dynamically growing set of cases: every tracked worker's reader goroutine
// feeds the same channel, which is simpler to reason about than reflection
// and just as able to handle workers arriving after Run starts.
type Bridge struct {
	rx  *reactor.Reactor
	out *Formatter

	mu      sync.Mutex
	workers map[wire.PidBytes]*worker

	events  chan taggedEvent
	pending int64

	doneOnce sync.Once
	doneCh   chan struct{}

	aggMu   sync.Mutex
	settled bool
	result  wire.ExitStatus
}

// New constructs a Bridge listening on ln as selfPid.
func New(selfPid wire.PidBytes, ln net.Listener, out *Formatter) *Bridge {
	b := &Bridge{
		out:     out,
		workers: make(map[wire.PidBytes]*worker),
		events:  make(chan taggedEvent, 256),
		doneCh:  make(chan struct{}),
	}
	b.rx = reactor.New(selfPid, ln, nil, nil, nil)
	return b
}

// Run starts the reactor and the dispatch loop, tracks topPid as the
// constellation's entry point, and blocks until every transitively spawned
// descendant (and topPid's own bridge connection) has completed. The
// returned ExitStatus is the aggregate spec.md §4.7 describes: success iff
// every tracked process succeeded, otherwise the first non-success status
// seen by arrival order, not the worst one and not whichever kind (signal
// vs. exit code) happens to be checked last.
func (b *Bridge) Run(topPid wire.PidBytes) wire.ExitStatus {
	b.rx.Run()
	go b.dispatch()
	b.track(topPid)
	<-b.doneCh
	b.rx.Close()
	b.aggMu.Lock()
	defer b.aggMu.Unlock()
	return b.result
}

// track registers sender/receiver endpoints for pid if not already tracked
// and starts its event-reader goroutine. Idempotent: a Pid may be learned
// twice (e.g. rediscovered via a stale Spawn replay) without double
// counting.
func (b *Bridge) track(pid wire.PidBytes) {
	b.mu.Lock()
	if _, ok := b.workers[pid]; ok {
		b.mu.Unlock()
		return
	}
	w := &worker{pid: pid}
	b.workers[pid] = w
	b.mu.Unlock()

	// pid counts toward the join from the moment it is tracked, not only
	// once registration succeeds -- finishOne below must always have a
	// matching increment to decrement, even on the error paths.
	atomic.AddInt64(&b.pending, 1)

	send, err := b.rx.RegisterSender(pid)
	if err != nil {
		b.finishOne(pid, wire.ExitStatus{Code: -1})
		return
	}
	recv, err := b.rx.RegisterReceiver(pid)
	if err != nil {
		send.Close()
		b.finishOne(pid, wire.ExitStatus{Code: -1})
		return
	}
	w.send = send
	w.recv = recv

	go b.readWorker(w)
}

func (b *Bridge) readWorker(w *worker) {
	exited := false
	ctx := context.Background()
	for {
		payload, err := w.recv.Recv(ctx)
		if err != nil {
			break
		}
		ev, err := wire.DecodeProcessOutputEvent(payload)
		if err != nil {
			continue
		}
		if ev.Kind == wire.EventExit {
			exited = true
		}
		b.events <- taggedEvent{pid: w.pid, ev: ev}
	}
	if !exited {
		// The connection ended without an explicit Exit event -- this is
		// the normal path for the top process, which has no monitor and
		// never emits one. Synthesize a clean completion so it still
		// counts toward the join.
		b.events <- taggedEvent{pid: w.pid, ev: wire.ProcessOutputEvent{Kind: wire.EventExit}}
	}
}

func (b *Bridge) dispatch() {
	for te := range b.events {
		switch te.ev.Kind {
		case wire.EventSpawn:
			if b.out != nil {
				b.out.Spawn(te.pid, te.ev.NewPid)
			}
			b.track(te.ev.NewPid)
		case wire.EventOutput:
			if b.out != nil {
				b.out.Output(te.pid, te.ev.Fd, te.ev.Bytes)
			}
		case wire.EventExit:
			if b.out != nil {
				b.out.Exit(te.pid, te.ev.Exit)
			}
			b.finishOne(te.pid, te.ev.Exit)
		}
	}
}

func (b *Bridge) finishOne(pid wire.PidBytes, status wire.ExitStatus) {
	b.aggMu.Lock()
	if !b.settled && !isSuccess(status) {
		b.settled = true
		b.result = status
	}
	b.aggMu.Unlock()

	b.mu.Lock()
	w := b.workers[pid]
	b.mu.Unlock()
	if w != nil {
		if w.send != nil {
			w.send.Close()
		}
		if w.recv != nil {
			w.recv.Close()
		}
	}

	if atomic.AddInt64(&b.pending, -1) == 0 {
		b.doneOnce.Do(func() {
			close(b.events)
			close(b.doneCh)
		})
	}
}

func isSuccess(s wire.ExitStatus) bool {
	return !s.Signaled && s.Code == 0
}

// Send delivers an Input or Kill event to the monitor tracking pid. It is a
// no-op if pid is not currently tracked (e.g. it already exited).
func (b *Bridge) Send(pid wire.PidBytes, ev wire.ProcessInputEvent) {
	b.mu.Lock()
	w := b.workers[pid]
	b.mu.Unlock()
	if w == nil || w.send == nil {
		return
	}
	payload, err := wire.EncodeProcessInputEvent(ev)
	if err != nil {
		return
	}
	_ = w.send.Send(context.Background(), payload)
}
