package monitor

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dstroud/constellation/internal/reactor"
	"github.com/dstroud/constellation/internal/wire"
)

func TestFilterRoleEnv(t *testing.T) {
	in := []string{"PATH=/bin", "CONSTELLATION_ROLE=monitor", "HOME=/root"}
	got := filterRoleEnv(in)
	for _, kv := range got {
		if len(kv) >= len("CONSTELLATION_ROLE=") && kv[:len("CONSTELLATION_ROLE=")] == "CONSTELLATION_ROLE=" {
			t.Fatalf("filterRoleEnv left a CONSTELLATION_ROLE entry in %v", got)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 entries", got)
	}
}

func TestTranslateExitStatusCleanExit(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	status := translateExitStatus(nil, cmd.ProcessState)
	if status.Signaled || status.Code != 0 {
		t.Fatalf("got %+v, want clean exit", status)
	}
}

func TestTranslateExitStatusNonzeroExit(t *testing.T) {
	cmd := exec.Command("false")
	err := cmd.Run()
	status := translateExitStatus(err, cmd.ProcessState)
	if status.Signaled || status.Code != 1 {
		t.Fatalf("got %+v, want exit code 1", status)
	}
}

func TestTranslateExitStatusSignaled(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cmd.Process.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("signal: %v", err)
	}
	err := cmd.Wait()
	status := translateExitStatus(err, cmd.ProcessState)
	if !status.Signaled || status.Signal != int(syscall.SIGKILL) {
		t.Fatalf("got %+v, want SIGKILL", status)
	}
}

func TestTranslateExitStatusNilState(t *testing.T) {
	status := translateExitStatus(nil, nil)
	if !status.Signaled || status.Signal != int(syscall.SIGKILL) {
		t.Fatalf("got %+v, want a conservative SIGKILL status for a missing ProcessState", status)
	}
}

// pairedReactors sets up two in-process reactors over real loopback TCP, the
// same harness internal/reactor's own tests use, so forwardOutputStream and
// friends can be driven against a real SendEndpoint.
func pairedReactors(t *testing.T) (send *reactor.SendEndpoint, recv *reactor.RecvEndpoint) {
	t.Helper()
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	pidOf := func(ln net.Listener) wire.PidBytes {
		addr := ln.Addr().(*net.TCPAddr)
		var p wire.PidBytes
		copy(p.IP[:], addr.IP.To4())
		p.Port = uint16(addr.Port)
		return p
	}
	pidA, pidB := pidOf(lnA), pidOf(lnB)
	rxA := reactor.New(pidA, lnA, nil, nil, nil)
	rxB := reactor.New(pidB, lnB, nil, nil, nil)
	rxA.Run()
	rxB.Run()
	t.Cleanup(func() { rxA.Close(); rxB.Close() })

	send, err = rxA.RegisterSender(pidB)
	if err != nil {
		t.Fatalf("RegisterSender: %v", err)
	}
	recv, err = rxB.RegisterReceiver(pidA)
	if err != nil {
		t.Fatalf("RegisterReceiver: %v", err)
	}
	return send, recv
}

func TestForwardOutputStreamRelaysAndMarksEOF(t *testing.T) {
	send, recv := pairedReactors(t)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go forwardOutputStream(send, r, 1, &wg)

	w.Write([]byte("hello worker"))
	w.Close()
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv data: %v", err)
	}
	ev, err := wire.DecodeProcessOutputEvent(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != wire.EventOutput || ev.Fd != 1 || string(ev.Bytes) != "hello worker" {
		t.Fatalf("got %+v, want an EventOutput chunk", ev)
	}

	payload, err = recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv eof: %v", err)
	}
	ev, err = wire.DecodeProcessOutputEvent(payload)
	if err != nil {
		t.Fatalf("decode eof: %v", err)
	}
	if ev.Kind != wire.EventOutput || len(ev.Bytes) != 0 {
		t.Fatalf("got %+v, want an empty-Bytes EOF marker", ev)
	}
}

func TestForwardGrandchildEventsRelaysMessages(t *testing.T) {
	send, recv := pairedReactors(t)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go forwardGrandchildEvents(send, r, &wg)

	grandchild := wire.PidBytes{IP: [4]byte{127, 0, 0, 1}, Port: 5555}
	spawnEv := wire.ProcessOutputEvent{Kind: wire.EventSpawn, NewPid: grandchild}
	payload, err := wire.EncodeProcessOutputEvent(spawnEv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wire.WriteMessage(w, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	w.Close()
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	ev, err := wire.DecodeProcessOutputEvent(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != wire.EventSpawn || ev.NewPid != grandchild {
		t.Fatalf("got %+v, want relayed spawn of %v", ev, grandchild)
	}
}

func TestRelayInputAppliesInputAndCloses(t *testing.T) {
	send, _ := pairedReactors(t)
	_ = send // sender lives on the bridge side in production; here we drive
	// the worker side (recv) directly via a second registration below.

	// Build a fresh pair so recvForWorker plays the monitor's receiver role
	// and sendFromBridge plays the bridge.
	sendFromBridge, recvForWorker := pairedReactors(t)

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		relayInput(ctx, recvForWorker, pw, nil)
		close(done)
	}()

	inEv := wire.ProcessInputEvent{Kind: wire.EventInput, Bytes: []byte("line\n")}
	payload, err := wire.EncodeProcessInputEvent(inEv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := sendFromBridge.Send(sctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, len("line\n"))
	if _, err := pr.Read(buf); err != nil {
		t.Fatalf("read relayed input: %v", err)
	}
	if string(buf) != "line\n" {
		t.Fatalf("got %q, want %q", buf, "line\n")
	}

	closeEv := wire.ProcessInputEvent{Kind: wire.EventInput, Bytes: nil}
	payload, err = wire.EncodeProcessInputEvent(closeEv)
	if err != nil {
		t.Fatalf("encode close: %v", err)
	}
	if err := sendFromBridge.Send(sctx, payload); err != nil {
		t.Fatalf("Send close: %v", err)
	}

	// An empty Input closes the worker's stdin, so the read end sees EOF.
	pr.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := pr.Read(buf); err != io.EOF {
		t.Fatalf("after empty Input: read %d bytes, err %v; want io.EOF", n, err)
	}

	cancel()
	<-done
}
