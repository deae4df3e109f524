// Package monitor implements the per-worker supervisor process described
// in spec.md §4.6: it execs the worker, intercepts its stdio, relays
// lifecycle events to the bridge, forwards bridge-originated input, and
// translates the worker's wait status into an ExitStatus.
//
// See the REDESIGN FLAG in SPEC_FULL.md: the monitor is launched as a
// re-exec'd sibling (CONSTELLATION_ROLE=monitor) rather than forked
// mid-process, and itself os/exec's the worker rather than diverging from
// a raw fork.
package monitor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dstroud/constellation/internal/clog"
	"github.com/dstroud/constellation/internal/reactor"
	"github.com/dstroud/constellation/internal/wire"
)

var log = clog.FromEnv()

// Run never returns in the success path; it exits the process directly
// once the worker has exited and all events have been relayed.
func Run() {
	if err := run(); err != nil {
		log.Errorf("monitor: %v", err)
		os.Exit(1)
	}
}

func run() error {
	listenerFile := os.NewFile(wire.ListenerFD, "listener")
	argFile := os.NewFile(wire.ArgFD, "arg")

	blob, err := io.ReadAll(argFile)
	if err != nil {
		return fmt.Errorf("read arg blob: %w", err)
	}
	arg, err := wire.DecodeArgBlob(blob)
	if err != nil {
		return err
	}
	if _, err := argFile.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind arg blob: %w", err)
	}

	ln, err := net.FileListener(listenerFile)
	if err != nil {
		return fmt.Errorf("wrap listener fd: %w", err)
	}

	forwarder, _, forwarderFile, forwardeeFile, err := reactor.NewSocketForwarderPair()
	if err != nil {
		return err
	}
	// Only the forwardee *file* crosses into the worker; the in-process
	// SocketForwardee here is unused (the worker owns that side).
	forwardeeFileForWorker := forwardeeFile

	eventR, eventW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create event pipe: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	resourcesJSON := os.Getenv("CONSTELLATION_RESOURCES")

	workerCmd := exec.Command(exePath, os.Args[1:]...)
	workerCmd.Env = append(filterRoleEnv(os.Environ()),
		"CONSTELLATION_ROLE=worker",
		"CONSTELLATION_RESOURCES="+resourcesJSON,
	)
	workerCmd.ExtraFiles = []*os.File{listenerFile, argFile, eventW, forwardeeFileForWorker}

	stdout, err := workerCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout pipe: %w", err)
	}
	stderr, err := workerCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr pipe: %w", err)
	}
	stdin, err := workerCmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin pipe: %w", err)
	}

	if err := workerCmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	listenerFile.Close()
	argFile.Close()
	eventW.Close()
	forwarderFile.Close()
	forwardeeFileForWorker.Close()

	sharedPid := arg.OwnPid
	bridgePid := arg.Spawn.Bridge

	rx := reactor.New(sharedPid, ln, nil, func(peer wire.PidBytes) reactor.Decision {
		if peer == bridgePid {
			return reactor.DecisionKeep
		}
		return reactor.DecisionForward
	}, func(conn net.Conn, peer wire.PidBytes) {
		if err := forwarder.Forward(conn, peer); err != nil {
			log.Errorf("monitor: %v", err)
		}
	})
	rx.Run()
	defer rx.Close()

	bridgeSend, err := rx.RegisterSender(bridgePid)
	if err != nil {
		return fmt.Errorf("register bridge sender: %w", err)
	}
	bridgeRecv, err := rx.RegisterReceiver(bridgePid)
	if err != nil {
		return fmt.Errorf("register bridge receiver: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go forwardOutputStream(bridgeSend, stdout, 1, &wg)
	go forwardOutputStream(bridgeSend, stderr, 2, &wg)

	eventWg := sync.WaitGroup{}
	eventWg.Add(1)
	go forwardGrandchildEvents(bridgeSend, eventR, &eventWg)

	inputCtx, cancelInput := context.WithCancel(context.Background())
	go relayInput(inputCtx, bridgeRecv, stdin, workerCmd.Process)

	wg.Wait()

	waitErr := workerCmd.Wait()
	status := translateExitStatus(waitErr, workerCmd.ProcessState)
	log.Debugf("monitor: worker %s exited, status %+v", sharedPid, status)

	eventR.Close()
	eventWg.Wait()

	sendEvent(bridgeSend, wire.ProcessOutputEvent{Kind: wire.EventExit, Exit: status})

	cancelInput()
	bridgeSend.Close()
	bridgeRecv.Close()
	os.Exit(0)
	return nil
}

func filterRoleEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if len(kv) >= len("CONSTELLATION_ROLE=") && kv[:len("CONSTELLATION_ROLE=")] == "CONSTELLATION_ROLE=" {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func forwardOutputStream(send *reactor.SendEndpoint, r io.ReadCloser, fd int32, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sendEvent(send, wire.ProcessOutputEvent{Kind: wire.EventOutput, Fd: fd, Bytes: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			sendEvent(send, wire.ProcessOutputEvent{Kind: wire.EventOutput, Fd: fd, Bytes: []byte{}})
			return
		}
	}
}

func forwardGrandchildEvents(send *reactor.SendEndpoint, r io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		payload, err := wire.ReadMessage(r)
		if err != nil {
			return
		}
		ev, err := wire.DecodeProcessOutputEvent(payload)
		if err != nil {
			continue
		}
		sendEvent(send, ev)
	}
}

// relayInput reads bridge-originated input/kill events and applies them to
// the worker until ctx is cancelled or the bridge connection ends.
func relayInput(ctx context.Context, recv *reactor.RecvEndpoint, stdin io.WriteCloser, proc *os.Process) {
	for {
		payload, err := recv.Recv(ctx)
		if err != nil {
			return
		}
		ev, err := wire.DecodeProcessInputEvent(payload)
		if err != nil {
			continue
		}
		switch ev.Kind {
		case wire.EventInput:
			if len(ev.Bytes) == 0 {
				stdin.Close()
				continue
			}
			stdin.Write(ev.Bytes)
		case wire.EventKill:
			if proc != nil {
				if err := unix.Kill(proc.Pid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
					log.Errorf("monitor: kill worker: %v", err)
				}
			}
		}
	}
}

// sendEvent blocks until the bridge connection accepts the event (or it
// fails); events must never be silently dropped, since the bridge relies on
// Spawn arriving before any Output/Exit from the new Pid.
func sendEvent(send *reactor.SendEndpoint, ev wire.ProcessOutputEvent) {
	payload, err := wire.EncodeProcessOutputEvent(ev)
	if err != nil {
		return
	}
	_ = send.Send(context.Background(), payload)
}

func translateExitStatus(waitErr error, state *os.ProcessState) wire.ExitStatus {
	if state == nil {
		return wire.ExitStatus{Signaled: true, Signal: int(syscall.SIGKILL)}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return wire.ExitStatus{Signaled: true, Signal: int(ws.Signal())}
		}
		return wire.ExitStatus{Code: ws.ExitStatus()}
	}
	return wire.ExitStatus{Code: state.ExitCode()}
}
