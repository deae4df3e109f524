package constellation

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/dstroud/constellation/internal/bridge"
	"github.com/dstroud/constellation/internal/clog"
	"github.com/dstroud/constellation/internal/monitor"
	"github.com/dstroud/constellation/internal/reactor"
	"github.com/dstroud/constellation/internal/wire"
)

var log = clog.FromEnv()

// Environment variables forming the re-exec ABI described in SPEC_FULL.md's
// REDESIGN FLAG: every role divergence that the original implementation
// reached via fork() instead crosses an os/exec boundary carrying one of
// these, plus the well-known FDs in internal/wire.
const (
	roleEnvVar   = "CONSTELLATION_ROLE"
	topPidEnvVar = "CONSTELLATION_TOP_PID"
	deployEnvVar = "CONSTELLATION_DEPLOY"
	recceEnvVar  = "CONSTELLATION_RECCE"
	jsonEnvVar   = "CONSTELLATION_JSON"
)

// Init bootstraps this process according to its role in the constellation.
// Call it once, at the top of main, before using any other package
// function. Most invocations are the top process: Init binds a listener,
// launches the bridge subprocess, and returns a Shutdown function the
// caller should defer.
//
// A handful of invocations never return at all: CONSTELLATION_RECCE probes,
// the bridge role, the monitor role, and a worker role process all run
// their entire lifecycle inside Init and exit the process directly. A
// deployed process that carries a start closure likewise runs it and exits
// 0. Only the top role and a deployed process with no start closure return
// normally to the caller.
func Init() (shutdown func(), err error) {
	if os.Getenv(recceEnvVar) != "" {
		reportRecceResources()
		os.Exit(0)
	}

	switch os.Getenv(roleEnvVar) {
	case "bridge":
		runBridgeRole()
		panic("unreachable")
	case "monitor":
		monitor.Run()
		panic("unreachable")
	case "worker":
		return initWorkerRole()
	default:
		if os.Getenv(deployEnvVar) != "" {
			return initDeployedRole()
		}
		return initTopRole()
	}
}

// reportRecceResources answers cmd/recce's probe: write this binary's
// declared top-level resources, as JSON, to FD 3 (wire.ListenerFD) and exit without running
// anything else.
func reportRecceResources() {
	f := os.NewFile(wire.ListenerFD, "recce-out")
	defer f.Close()
	s, err := DeclaredResources.encodeEnv()
	if err != nil {
		return
	}
	io.WriteString(f, s)
}

// initTopRole runs when CONSTELLATION_ROLE is unset and CONSTELLATION_DEPLOY
// is not set: the process a user invoked directly from a shell. It binds
// its own channel listener in-process (no exec needed for its own
// identity -- only descendants and the bridge need a fresh process), and
// launches the bridge as a re-exec'd sibling.
func initTopRole() (func(), error) {
	ownLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("constellation: bind own listener: %w", err)
	}
	ownPid, err := pidFromAddr(ownLn.Addr())
	if err != nil {
		ownLn.Close()
		return nil, err
	}

	bridgeLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ownLn.Close()
		return nil, fmt.Errorf("constellation: bind bridge listener: %w", err)
	}
	bridgePid, err := pidFromAddr(bridgeLn.Addr())
	if err != nil {
		ownLn.Close()
		bridgeLn.Close()
		return nil, err
	}
	bridgeTl, ok := bridgeLn.(*net.TCPListener)
	if !ok {
		ownLn.Close()
		bridgeLn.Close()
		return nil, fmt.Errorf("constellation: bridge listener is not TCP")
	}
	bridgeFile, err := bridgeTl.File()
	bridgeLn.Close() // the dup in bridgeFile keeps the socket alive
	if err != nil {
		ownLn.Close()
		return nil, fmt.Errorf("constellation: dup bridge listener: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		ownLn.Close()
		bridgeFile.Close()
		return nil, fmt.Errorf("constellation: resolve own executable: %w", err)
	}

	cmd := exec.Command(exePath, os.Args[1:]...)
	cmd.Env = append(append([]string{}, os.Environ()...),
		roleEnvVar+"=bridge",
		topPidEnvVar+"="+ownPid.String(),
	)
	cmd.ExtraFiles = []*os.File{bridgeFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		ownLn.Close()
		bridgeFile.Close()
		return nil, fmt.Errorf("constellation: start bridge: %w", err)
	}
	bridgeFile.Close()

	rx := reactor.New(toWirePid(ownPid), ownLn, nil, nil, nil)
	rx.Run()
	bridgeSend, err := rx.RegisterSender(toWirePid(bridgePid))
	if err != nil {
		rx.Close()
		return nil, err
	}

	res, ok, err := resourcesFromEnv()
	if err != nil {
		rx.Close()
		return nil, err
	}
	if !ok {
		res = DeclaredResources
	}

	if err := global.set(ownPid, bridgePid, res, false, roleTop, rx); err != nil {
		rx.Close()
		return nil, err
	}
	global.setSpawnSinks(bridgeSend, nil, nil)

	shutdown := func() {
		bridgeSend.Close()
		rx.Close()
		_ = cmd.Wait()
	}
	return shutdown, nil
}

// initDeployedRole runs when a fabric scheduler execs this binary with
// CONSTELLATION_DEPLOY set: ARG_FD doubles as the already-connected
// scheduler socket (spec.md §6), and the process owns its listener
// directly, like top, since deployed-mode supervision is the out-of-scope
// scheduler daemon's job rather than a locally implemented monitor.
func initDeployedRole() (func(), error) {
	lnFile := os.NewFile(wire.ListenerFD, "listener")
	ln, err := net.FileListener(lnFile)
	if err != nil {
		return nil, fmt.Errorf("constellation: wrap deployed listener: %w", err)
	}

	schedFile := os.NewFile(wire.SchedulerFD, "scheduler")
	schedConn, err := net.FileConn(schedFile)
	schedFile.Close()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("constellation: wrap scheduler connection: %w", err)
	}

	payload, err := wire.ReadMessage(schedConn)
	if err != nil {
		ln.Close()
		schedConn.Close()
		return nil, fmt.Errorf("constellation: read deployed arg blob: %w", err)
	}
	arg, err := wire.DecodeArgBlob(payload)
	if err != nil {
		ln.Close()
		schedConn.Close()
		return nil, err
	}

	ownPid := fromWirePid(arg.OwnPid)
	bridgePid := fromWirePid(arg.Spawn.Bridge)

	rx := reactor.New(toWirePid(ownPid), ln, nil, nil, nil)
	rx.Run()

	res, ok, err := resourcesFromEnv()
	if err != nil {
		rx.Close()
		return nil, err
	}
	if !ok {
		res = DefaultResources
	}

	if err := global.set(ownPid, bridgePid, res, true, roleWorker, rx); err != nil {
		rx.Close()
		return nil, err
	}
	global.setSpawnSinks(nil, nil, schedConn)

	if arg.Spawn.Spawn != nil {
		f, err := decodeClosure(arg.Spawn.Spawn.ClosureBlob)
		if err != nil {
			return nil, err
		}
		parent := fromWirePid(arg.Spawn.Spawn.Parent)
		f.Run(parent)
		rx.Close()
		schedConn.Close()
		os.Exit(0)
	}

	shutdown := func() {
		rx.Close()
		schedConn.Close()
	}
	return shutdown, nil
}

// initWorkerRole runs when a monitor execs this binary with
// CONSTELLATION_ROLE=worker: every such invocation exists to run exactly
// one start closure (spec.md §4.5/§4.6), so Init runs it and exits rather
// than returning.
func initWorkerRole() (func(), error) {
	// This process's copy of the listener fd is the monitor's own
	// accept socket; it has no use here, since inbound traffic for this
	// worker arrives only via the forwardee channel below.
	os.NewFile(wire.ListenerFD, "listener").Close()

	argFile := os.NewFile(wire.ArgFD, "arg")
	blob, err := io.ReadAll(argFile)
	argFile.Close()
	if err != nil {
		return nil, fmt.Errorf("constellation: read worker arg blob: %w", err)
	}
	arg, err := wire.DecodeArgBlob(blob)
	if err != nil {
		return nil, err
	}
	if arg.Spawn.Spawn == nil {
		return nil, fmt.Errorf("constellation: worker role requires a start closure")
	}

	eventFile := os.NewFile(wire.MonitorFD, "monitor-events")

	forwardeeFile := os.NewFile(wire.ForwardeeFD, "forwardee")
	fe, err := reactor.NewSocketForwardeeFromFile(forwardeeFile)
	if err != nil {
		return nil, err
	}
	inbound := make(chan reactor.ForwardedConn, 16)
	go reactor.RunForwardee(fe, inbound)

	ownPid := fromWirePid(arg.OwnPid)
	bridgePid := fromWirePid(arg.Spawn.Bridge)

	rx := reactor.New(toWirePid(ownPid), nil, inbound, nil, nil)
	rx.Run()

	res, ok, err := resourcesFromEnv()
	if err != nil {
		rx.Close()
		return nil, err
	}
	if !ok {
		res = DefaultResources
	}

	if err := global.set(ownPid, bridgePid, res, false, roleWorker, rx); err != nil {
		rx.Close()
		return nil, err
	}
	global.setSpawnSinks(nil, eventFile, nil)

	f, err := decodeClosure(arg.Spawn.Spawn.ClosureBlob)
	if err != nil {
		return nil, err
	}
	parent := fromWirePid(arg.Spawn.Spawn.Parent)
	f.Run(parent)

	rx.Close()
	eventFile.Close()
	os.Exit(0)
	panic("unreachable")
}

// runBridgeRole runs the aggregator process described in spec.md §4.7. It
// never returns: it blocks inside Bridge.Run until every descendant of the
// top process has exited, then exits with an aggregate status.
func runBridgeRole() {
	lnFile := os.NewFile(wire.ListenerFD, "listener")
	ln, err := net.FileListener(lnFile)
	if err != nil {
		log.Errorf("bridge: %v", err)
		os.Exit(1)
	}
	selfPid, err := pidFromAddr(ln.Addr())
	if err != nil {
		log.Errorf("bridge: %v", err)
		os.Exit(1)
	}
	topPid, err := ParsePid(os.Getenv(topPidEnvVar))
	if err != nil {
		log.Errorf("bridge: %v", err)
		os.Exit(1)
	}
	log.Debugf("bridge: listening as %s, tracking top %s", selfPid, topPid)

	jsonMode := os.Getenv(jsonEnvVar) != ""
	formatter := bridge.NewFormatter(os.Stdout, jsonMode)
	b := bridge.New(toWirePid(selfPid), ln, formatter)
	status := b.Run(toWirePid(topPid))

	log.Debugf("bridge: all processes exited, aggregate status %+v", status)
	if status.Signaled {
		os.Exit(128 + status.Signal)
	}
	os.Exit(status.Code)
}
