// Package spawnengine implements the two spawn strategies of spec.md §4.5:
// native (re-exec a monitor, which in turn execs a copy of this executable
// to run the serialized start closure) and deployed (ask a fabric
// scheduler to place the process).
//
// The native path is grounded in
// Ankit-Kulkarni-go-experiments/graceful_restarts/SocketHandoff/main.go's
// FD-handoff-across-exec pattern (os/exec's ExtraFiles, which numbers
// inherited files starting at FD 3 -- a direct match for spec.md's
// well-known-FD ABI). See the REDESIGN FLAG in SPEC_FULL.md for why this
// replaces the original's raw fork().
package spawnengine

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/dstroud/constellation/internal/wire"
)

// NativeSpawnRequest carries everything spawn_native needs from the
// calling process's own bootstrap state.
type NativeSpawnRequest struct {
	Bridge        wire.PidBytes
	Parent        wire.PidBytes
	ClosureBlob   []byte
	ResourcesJSON string
}

// NativeSpawnResult is returned on success.
type NativeSpawnResult struct {
	ChildPid wire.PidBytes
}

// SpawnNative implements spec.md §4.5's native path: bind a new listener
// (its address becomes the child's Pid), materialize the SpawnArg into a
// temp file surviving exec, and launch a monitor subprocess that will in
// turn exec the worker.
func SpawnNative(req NativeSpawnRequest) (NativeSpawnResult, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return NativeSpawnResult{}, fmt.Errorf("spawnengine: bind child listener: %w", err)
	}
	childAddr := ln.Addr().(*net.TCPAddr)
	var childPid wire.PidBytes
	copy(childPid.IP[:], childAddr.IP.To4())
	childPid.Port = uint16(childAddr.Port)

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return NativeSpawnResult{}, fmt.Errorf("spawnengine: listener is not TCP")
	}
	lnFile, err := tl.File()
	ln.Close() // the dup in lnFile keeps the socket alive
	if err != nil {
		return NativeSpawnResult{}, fmt.Errorf("spawnengine: dup child listener: %w", err)
	}
	defer lnFile.Close()

	argBlob, err := wire.EncodeArgBlob(wire.ArgBlob{
		Spawn: wire.SpawnArg{
			Bridge: req.Bridge,
			Spawn: &wire.SpawnArgSub{
				Parent:      req.Parent,
				ClosureBlob: req.ClosureBlob,
			},
		},
		OwnPid: childPid,
	})
	if err != nil {
		return NativeSpawnResult{}, err
	}

	argFile, err := materializeArgBlob(argBlob)
	if err != nil {
		return NativeSpawnResult{}, err
	}
	defer argFile.Close()

	exePath, err := os.Executable()
	if err != nil {
		return NativeSpawnResult{}, fmt.Errorf("spawnengine: resolve own executable: %w", err)
	}

	cmd := exec.Command(exePath, os.Args[1:]...)
	cmd.Env = append(append([]string{}, os.Environ()...),
		"CONSTELLATION_ROLE=monitor",
		"CONSTELLATION_RESOURCES="+req.ResourcesJSON,
	)
	cmd.ExtraFiles = []*os.File{lnFile, argFile}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return NativeSpawnResult{}, fmt.Errorf("spawnengine: start monitor: %w", err)
	}
	// Parent keeps no further interest in this child's monitor process;
	// it runs detached, relaying events to the bridge on its own.
	go func() { _ = cmd.Wait() }()

	return NativeSpawnResult{ChildPid: childPid}, nil
}

// materializeArgBlob writes blob to a temp file and unlinks it immediately
// -- the classic memfd-on-tmpfs emulation spec.md §4.5 step 1 calls for,
// so the argument blob survives exec under a known FD without leaving a
// named file behind.
func materializeArgBlob(blob []byte) (*os.File, error) {
	f, err := os.CreateTemp("", "constellation-arg-*")
	if err != nil {
		return nil, fmt.Errorf("spawnengine: create arg blob file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("spawnengine: write arg blob: %w", err)
	}
	if err := os.Remove(path); err != nil {
		f.Close()
		return nil, fmt.Errorf("spawnengine: unlink arg blob file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("spawnengine: rewind arg blob file: %w", err)
	}
	return f, nil
}
