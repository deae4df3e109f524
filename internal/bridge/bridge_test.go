package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dstroud/constellation/internal/reactor"
	"github.com/dstroud/constellation/internal/wire"
)

func listenPid(t *testing.T) (net.Listener, wire.PidBytes) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	var pid wire.PidBytes
	copy(pid.IP[:], addr.IP.To4())
	pid.Port = uint16(addr.Port)
	return ln, pid
}

// fakeMonitor plays the role of a monitor (or top) reactor that the bridge
// connects to, sending one or more events toward the bridge on its own.
type fakeMonitor struct {
	rx   *reactor.Reactor
	pid  wire.PidBytes
	send *reactor.SendEndpoint
}

func newFakeMonitor(t *testing.T) *fakeMonitor {
	t.Helper()
	ln, pid := listenPid(t)
	rx := reactor.New(pid, ln, nil, nil, nil)
	rx.Run()
	t.Cleanup(func() { rx.Close() })
	return &fakeMonitor{rx: rx, pid: pid}
}

func (m *fakeMonitor) sendTo(t *testing.T, bridgePid wire.PidBytes, ev wire.ProcessOutputEvent) *reactor.SendEndpoint {
	t.Helper()
	// The reactor allows one Sender per peer, so every event from this
	// monitor goes out over the same endpoint.
	if m.send == nil {
		send, err := m.rx.RegisterSender(bridgePid)
		if err != nil {
			t.Fatalf("RegisterSender: %v", err)
		}
		m.send = send
	}
	payload, err := wire.EncodeProcessOutputEvent(ev)
	if err != nil {
		t.Fatalf("EncodeProcessOutputEvent: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.send.Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	return m.send
}

func TestBridgeSingleWorkerCleanExit(t *testing.T) {
	ln, bridgePid := listenPid(t)
	out := NewFormatter(&discard{}, true)
	b := New(bridgePid, ln, out)

	top := newFakeMonitor(t)
	send := top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 0}})

	done := make(chan wire.ExitStatus, 1)
	go func() { done <- b.Run(top.pid) }()

	select {
	case status := <-done:
		if status.Signaled || status.Code != 0 {
			t.Fatalf("got %+v, want clean exit", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
	}
	send.Close()
}

func TestBridgeTopDisconnectSynthesizesExit(t *testing.T) {
	ln, bridgePid := listenPid(t)
	out := NewFormatter(&discard{}, true)
	b := New(bridgePid, ln, out)

	top := newFakeMonitor(t)
	// top never sends an explicit EventExit -- register a sender so the
	// connection is established, then close it, mirroring top's bridge
	// connection ending at Shutdown with no monitor to emit Exit.
	send, err := top.rx.RegisterSender(bridgePid)
	if err != nil {
		t.Fatalf("RegisterSender: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	// The reactor dials when the smaller of the two Pids registers an
	// endpoint toward the other; Send only queues the frame. Queue one zero-length output chunk so the bridge has a data
	// frame to consume before top's send half closes.
	ev := wire.ProcessOutputEvent{Kind: wire.EventOutput, Fd: 1, Bytes: nil}
	payload, err := wire.EncodeProcessOutputEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := send.Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	cancel()

	done := make(chan wire.ExitStatus, 1)
	go func() { done <- b.Run(top.pid) }()

	// Give the bridge a moment to establish and consume the Output event,
	// then close top's send half -- this is the synthesized-exit path.
	time.Sleep(100 * time.Millisecond)
	send.Close()

	select {
	case status := <-done:
		if status.Signaled || status.Code != 0 {
			t.Fatalf("got %+v, want synthesized clean exit", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish after top disconnected")
	}
}

func TestBridgeAggregatesNonzeroChildExit(t *testing.T) {
	ln, bridgePid := listenPid(t)
	out := NewFormatter(&discard{}, true)
	b := New(bridgePid, ln, out)

	top := newFakeMonitor(t)
	child := newFakeMonitor(t)

	done := make(chan wire.ExitStatus, 1)
	go func() { done <- b.Run(top.pid) }()

	// top reports spawning child, then exits 0.
	top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventSpawn, NewPid: child.pid})
	sendTop := top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 0}})
	defer sendTop.Close()

	// child later exits with a nonzero code; the aggregate must reflect it.
	sendChild := child.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 3}})
	defer sendChild.Close()

	select {
	case status := <-done:
		if status.Signaled || status.Code != 3 {
			t.Fatalf("got %+v, want aggregate exit code 3", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
	}
}

// TestBridgeAggregatesFirstNonSuccessByArrivalOrder pins down spec.md §4.7's
// exact aggregation rule: the first non-success status by arrival order,
// not the numerically largest code and not an always-wins Signaled. Child A
// exits with code 3 before child B exits with code 7; the aggregate must be
// 3, the opposite of what a running-max (or Signaled-always-wins) reduction
// would produce.
func TestBridgeAggregatesFirstNonSuccessByArrivalOrder(t *testing.T) {
	ln, bridgePid := listenPid(t)
	out := NewFormatter(&discard{}, true)
	b := New(bridgePid, ln, out)

	top := newFakeMonitor(t)
	childA := newFakeMonitor(t)
	childB := newFakeMonitor(t)

	done := make(chan wire.ExitStatus, 1)
	go func() { done <- b.Run(top.pid) }()

	top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventSpawn, NewPid: childA.pid})
	top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventSpawn, NewPid: childB.pid})
	sendTop := top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 0}})
	defer sendTop.Close()

	// childA's exit must be dispatched (and thus aggregated) strictly
	// before childB's for this test to mean anything; give the bridge time
	// to process it before sending the second, larger code.
	sendA := childA.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 3}})
	defer sendA.Close()
	time.Sleep(100 * time.Millisecond)
	sendB := childB.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 7}})
	defer sendB.Close()

	select {
	case status := <-done:
		if status.Signaled || status.Code != 3 {
			t.Fatalf("got %+v, want the first non-success status (code 3), not the max (7)", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
	}
}

// TestBridgeNonSignaledFirstStandsOverLaterSignaled confirms a Signaled
// status arriving after an already-settled non-success does not override
// it -- Signaled has no special precedence, only arrival order matters.
func TestBridgeNonSignaledFirstStandsOverLaterSignaled(t *testing.T) {
	ln, bridgePid := listenPid(t)
	out := NewFormatter(&discard{}, true)
	b := New(bridgePid, ln, out)

	top := newFakeMonitor(t)
	childA := newFakeMonitor(t)
	childB := newFakeMonitor(t)

	done := make(chan wire.ExitStatus, 1)
	go func() { done <- b.Run(top.pid) }()

	top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventSpawn, NewPid: childA.pid})
	top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventSpawn, NewPid: childB.pid})
	sendTop := top.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 0}})
	defer sendTop.Close()

	sendA := childA.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Code: 9}})
	defer sendA.Close()
	time.Sleep(100 * time.Millisecond)
	sendB := childB.sendTo(t, bridgePid, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: wire.ExitStatus{Signaled: true, Signal: 9}})
	defer sendB.Close()

	select {
	case status := <-done:
		if status.Signaled || status.Code != 9 {
			t.Fatalf("got %+v, want the first non-success status (code 9, not signaled)", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
	}
}

// discard is a minimal io.Writer sink so Formatter has somewhere to write
// without pulling in os.Stdout during tests.
type discard struct{}

func (d *discard) Write(p []byte) (int, error) { return len(p), nil }
