// Package wire implements the length-prefixed frame codec and the control
// message types that flow across it: spawn arguments, scheduler requests,
// and monitor/bridge lifecycle events.
package wire

// Well-known FD numbers, the ABI between a constellation process and the
// children it spawns. See spec.md §4.8 and §6.
const (
	// LISTENER_FD is where a freshly exec'd process finds its bound,
	// listening channel socket.
	ListenerFD = 3
	// ArgFD is where a freshly exec'd native-mode process finds its
	// serialized SpawnArg (+ own Pid).
	ArgFD = 4
	// SchedulerFD is where a deployed-mode process finds its connection
	// to the fabric scheduler. It reuses FD 4 because a given process is
	// never both native-sub and deployed at once.
	SchedulerFD = 4
	// MonitorFD is where a worker writes ProcessOutputEvents intended for
	// its monitor -- specifically Spawn(child_pid) notifications when the
	// worker itself spawns grandchildren (spec.md §4.6/§5 ordering
	// guarantee).
	MonitorFD = 5
	// ForwardeeFD is where a worker behind a monitor finds its end of the
	// Unix domain socket pair used for connection hand-off (spec.md §4.4).
	// Not part of the external ABI in spec.md §6 (an internal-only FD of
	// this implementation's monitor<->worker re-exec boundary).
	ForwardeeFD = 6
)
