package constellation

import (
	"context"
	"errors"
	"time"

	"github.com/dstroud/constellation/internal/spawnengine"
	"github.com/dstroud/constellation/internal/wire"
)

// TrySpawn launches f as a new process immediately or not at all: it never
// blocks waiting for capacity (spec.md §4.5's non-blocking path). res
// defaults to DefaultResources when omitted.
func TrySpawn(f StartFunc, res ...Resources) (Pid, error) {
	global.requireInit()
	r := resolveResources(res)

	blob, err := encodeClosure(f)
	if err != nil {
		return Pid{}, wrapExec(err)
	}
	resJSON, err := r.encodeEnv()
	if err != nil {
		return Pid{}, wrapExec(err)
	}

	if !IsDeployed() {
		child, err := trySpawnNative(blob, resJSON)
		if err != nil {
			return Pid{}, err
		}
		notifySpawn(child)
		return child, nil
	}

	child, err := trySpawnDeployed(blob, r)
	if err != nil {
		return Pid{}, err
	}
	notifySpawn(child)
	return child, nil
}

// Spawn launches f, retrying while the scheduler reports no capacity until
// ctx is cancelled. In native mode this is equivalent to TrySpawn: a native
// launch either starts immediately or fails outright, there is no queue to
// wait on (see DESIGN.md's Open Question decision on this).
func Spawn(ctx context.Context, f StartFunc, res ...Resources) (Pid, error) {
	if !IsDeployed() {
		p, err := TrySpawn(f, res...)
		if err != nil {
			return Pid{}, asSpawnError(err)
		}
		return p, nil
	}

	backoff := 50 * time.Millisecond
	const maxBackoff = 2 * time.Second
	for {
		p, err := TrySpawn(f, res...)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNoCapacity) {
			return Pid{}, asSpawnError(err)
		}
		select {
		case <-ctx.Done():
			return Pid{}, asSpawnError(ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func resolveResources(res []Resources) Resources {
	if len(res) > 0 {
		return res[0]
	}
	return DefaultResources
}

func trySpawnNative(closureBlob []byte, resourcesJSON string) (Pid, error) {
	global.mu.RLock()
	bridge, self := global.bridge, global.self
	global.mu.RUnlock()

	result, err := spawnengine.SpawnNative(spawnengine.NativeSpawnRequest{
		Bridge:        toWirePid(bridge),
		Parent:        toWirePid(self),
		ClosureBlob:   closureBlob,
		ResourcesJSON: resourcesJSON,
	})
	if err != nil {
		return Pid{}, wrapExec(err)
	}
	return fromWirePid(result.ChildPid), nil
}

func trySpawnDeployed(closureBlob []byte, res Resources) (Pid, error) {
	global.mu.RLock()
	conn := global.schedulerConn
	global.mu.RUnlock()
	if conn == nil {
		return Pid{}, wrapExec(errors.New("constellation: deployed but no scheduler connection"))
	}

	result, err := spawnengine.SpawnDeployed(conn, wire.FabricRequest{
		Block: false,
		Mem:   res.Mem,
		Cpu:   res.Cpu,
		Arg:   closureBlob,
	})
	if err != nil {
		return Pid{}, wrapExec(err)
	}
	if !result.OK {
		if result.ErrKind == 0 {
			return Pid{}, ErrNoCapacity
		}
		return Pid{}, ErrExec
	}
	return fromWirePid(result.Pid), nil
}

// notifySpawn reports a freshly spawned child's Pid up whichever path this
// process uses to reach the bridge: directly, if this is the top process,
// or via the monitor event pipe for a worker behind a monitor (spec.md §5's
// Spawn-before-Output ordering guarantee). A deployed process has neither,
// so nothing is reported.
func notifySpawn(child Pid) {
	global.mu.RLock()
	bridgeSend := global.bridgeSpawnSend
	monitorFile := global.monitorEventFile
	global.mu.RUnlock()

	ev := wire.ProcessOutputEvent{Kind: wire.EventSpawn, NewPid: toWirePid(child)}
	payload, err := wire.EncodeProcessOutputEvent(ev)
	if err != nil {
		return
	}
	switch {
	case bridgeSend != nil:
		_ = bridgeSend.Send(context.Background(), payload)
	case monitorFile != nil:
		_ = wire.WriteMessage(monitorFile, payload)
	}
}
