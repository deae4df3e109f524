// Package constellation is a runtime for distributed programs written as a
// single executable: one program may spawn additional processes, locally
// or on a remote fabric, each running a serialized closure, communicating
// through strongly typed point-to-point channels keyed by process
// identifier (Pid).
package constellation

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/dstroud/constellation/internal/reactor"
	"github.com/dstroud/constellation/internal/wire"
)

// role is the finite set of process roles spec.md §3 describes.
type role int

const (
	roleTop role = iota
	roleBridge
	roleMonitor
	roleWorker
)

// globalState is the write-once-at-bootstrap, read-only-thereafter record
// spec.md §5/§9 calls for: own Pid, bridge Pid, resources, deployed flag,
// and the process's reactor handle.
type globalState struct {
	mu          sync.RWMutex
	initialized bool

	self      Pid
	bridge    Pid
	resources Resources
	deployed  bool
	role      role

	reactor *reactor.Reactor

	// bridgeSpawnSend is non-nil only for the top process: it has no
	// monitor of its own, so it reports its own Spawn events directly to
	// the bridge over this endpoint rather than through a monitor's
	// MonitorFD pipe.
	bridgeSpawnSend *reactor.SendEndpoint

	// monitorEventFile is non-nil only for a worker running behind a
	// monitor: it writes ProcessOutputEvent{Kind: EventSpawn} records here
	// (MonitorFD) whenever it spawns a grandchild (spec.md §4.6/§5).
	monitorEventFile *os.File

	// schedulerConn is non-nil only in deployed mode: the connection to the
	// fabric scheduler used to place further spawns.
	schedulerConn net.Conn
}

var global globalState

func (g *globalState) set(self, bridge Pid, res Resources, deployed bool, r role, rx *reactor.Reactor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initialized {
		return fmt.Errorf("constellation: Init called twice")
	}
	g.initialized = true
	g.self = self
	g.bridge = bridge
	g.resources = res
	g.deployed = deployed
	g.role = r
	g.reactor = rx
	return nil
}

// setSpawnSinks attaches the Spawn-notification path appropriate to this
// process's role. Called once, immediately after set, before Init returns.
func (g *globalState) setSpawnSinks(bridgeSend *reactor.SendEndpoint, monitorEventFile *os.File, schedulerConn net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bridgeSpawnSend = bridgeSend
	g.monitorEventFile = monitorEventFile
	g.schedulerConn = schedulerConn
}

func (g *globalState) requireInit() {
	g.mu.RLock()
	ok := g.initialized
	g.mu.RUnlock()
	if !ok {
		panic("constellation: runtime API used before Init")
	}
}

// MyPid returns this process's own Pid. Panics if called before Init.
func MyPid() Pid {
	global.requireInit()
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.self
}

// MyResources returns the resources this process was spawned with. Panics
// if called before Init.
func MyResources() Resources {
	global.requireInit()
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.resources
}

// IsDeployed reports whether this process is running under a fabric
// scheduler rather than as a native fork/exec tree.
func IsDeployed() bool {
	global.requireInit()
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.deployed
}

func currentReactor() *reactor.Reactor {
	global.requireInit()
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.reactor
}

func toWirePid(p Pid) wire.PidBytes { return wire.PidBytes{IP: p.IP, Port: p.Port} }
func fromWirePid(p wire.PidBytes) Pid { return Pid{IP: p.IP, Port: p.Port} }
