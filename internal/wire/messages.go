package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
)

// PidBytes is the wire form of a constellation.Pid: 4 bytes of IPv4
// followed by a 2-byte port. Kept as raw bytes here (rather than importing
// the root package, which would create an import cycle) and converted at
// the boundary by callers.
type PidBytes struct {
	IP   [4]byte
	Port uint16
}

// Addr returns the dialable TCP address this Pid names.
func (p PidBytes) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(p.IP[:]), Port: int(p.Port)}
}

func (p PidBytes) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", p.IP[0], p.IP[1], p.IP[2], p.IP[3], p.Port)
}

// Less implements the deterministic dial tie-break: the numerically smaller
// Pid connects (spec.md §4.3/§9).
func (p PidBytes) Less(o PidBytes) bool {
	if c := bytes.Compare(p.IP[:], o.IP[:]); c != 0 {
		return c < 0
	}
	return p.Port < o.Port
}

// SpawnArgSub carries the parent Pid and the serialized start closure, when
// this process was spawned specifically to run one (spec.md §3 "Start
// closure", §4.5).
type SpawnArgSub struct {
	Parent      PidBytes
	ClosureBlob []byte
}

// SpawnArg is the record materialized into the argument blob (or sent to
// the scheduler) describing a spawn request (spec.md §4.5).
type SpawnArg struct {
	Bridge PidBytes
	Spawn  *SpawnArgSub // nil for the native-top process's own identity
}

// SchedulerArg carries the deployed-mode scheduler's address alongside the
// SpawnArg + Pid a deployed process reads from ARG_FD (spec.md §6).
type SchedulerArg struct {
	SchedulerAddr string
}

// ArgBlob is the full record written behind ARG_FD: SpawnArg, the process's
// own Pid, and (deployed mode only) a SchedulerArg.
type ArgBlob struct {
	Spawn     SpawnArg
	OwnPid    PidBytes
	Scheduler *SchedulerArg // nil unless deployed
}

func EncodeArgBlob(a ArgBlob) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&a); err != nil {
		return nil, fmt.Errorf("wire: encode arg blob: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeArgBlob(b []byte) (ArgBlob, error) {
	var a ArgBlob
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&a); err != nil {
		return ArgBlob{}, fmt.Errorf("wire: decode arg blob: %w", err)
	}
	return a, nil
}

// FabricRequest is sent by a client to the scheduler over SCHEDULER_FD
// (spec.md §6).
type FabricRequest struct {
	Block     bool
	Mem       uint64
	Cpu       float32
	Args      []string
	Vars      map[string]string
	Arg       []byte
	BinaryLen int64 // 0 if the scheduler already has the binary
}

// FabricResult is the scheduler's reply: either a new Pid or a
// TrySpawnError kind.
type FabricResult struct {
	OK  bool
	Pid PidBytes
	// ErrKind is meaningful only when OK is false: 0 = NoCapacity, 1 = Exec.
	ErrKind byte
}

func EncodeFabricRequest(r FabricRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&r); err != nil {
		return nil, fmt.Errorf("wire: encode fabric request: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeFabricRequest(b []byte) (FabricRequest, error) {
	var r FabricRequest
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return FabricRequest{}, fmt.Errorf("wire: decode fabric request: %w", err)
	}
	return r, nil
}

func EncodeFabricResult(r FabricResult) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&r); err != nil {
		return nil, fmt.Errorf("wire: encode fabric result: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeFabricResult(b []byte) (FabricResult, error) {
	var r FabricResult
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return FabricResult{}, fmt.Errorf("wire: decode fabric result: %w", err)
	}
	return r, nil
}

// ExitStatus is the translated form of a Unix wait status (spec.md §3/§4.6).
type ExitStatus struct {
	Signaled bool
	Code     int // exit code if !Signaled
	Signal   int // signal number if Signaled
}

func (e ExitStatus) Success() bool { return !e.Signaled && e.Code == 0 }

// ProcessOutputEventKind tags a ProcessOutputEvent (monitor -> bridge).
type ProcessOutputEventKind byte

const (
	EventSpawn ProcessOutputEventKind = iota
	EventOutput
	EventExit
)

// ProcessOutputEvent flows monitor -> bridge (spec.md §3/§6).
type ProcessOutputEvent struct {
	Kind   ProcessOutputEventKind
	NewPid PidBytes   // EventSpawn
	Fd     int32      // EventOutput
	Bytes  []byte     // EventOutput; empty slice signals EOF on that fd
	Exit   ExitStatus // EventExit
}

// ProcessInputEventKind tags a ProcessInputEvent (bridge -> monitor).
type ProcessInputEventKind byte

const (
	EventInput ProcessInputEventKind = iota
	EventKill
)

// ProcessInputEvent flows bridge -> monitor (spec.md §3/§6). Input with an
// empty Bytes closes the corresponding pipe.
type ProcessInputEvent struct {
	Kind  ProcessInputEventKind
	Fd    int32
	Bytes []byte
}

func EncodeProcessOutputEvent(e ProcessOutputEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, fmt.Errorf("wire: encode output event: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeProcessOutputEvent(b []byte) (ProcessOutputEvent, error) {
	var e ProcessOutputEvent
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return ProcessOutputEvent{}, fmt.Errorf("wire: decode output event: %w", err)
	}
	return e, nil
}

func EncodeProcessInputEvent(e ProcessInputEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, fmt.Errorf("wire: encode input event: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeProcessInputEvent(b []byte) (ProcessInputEvent, error) {
	var e ProcessInputEvent
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return ProcessInputEvent{}, fmt.Errorf("wire: decode input event: %w", err)
	}
	return e, nil
}

// DeployOutputEvent is the bridge's one-object-per-line JSON output form
// (spec.md §6).
type DeployOutputEvent struct {
	Pid    string      `json:"pid"`
	Spawn  *string     `json:"spawn,omitempty"`
	Output *OutputJSON `json:"output,omitempty"`
	Exit   *ExitJSON   `json:"exit,omitempty"`
}

// OutputJSON is DeployOutputEvent's Output payload.
type OutputJSON struct {
	Fd    int32  `json:"fd"`
	Bytes []byte `json:"bytes"` // json marshals []byte as base64
}

// ExitJSON is DeployOutputEvent's Exit payload.
type ExitJSON struct {
	Signaled bool `json:"signaled"`
	Code     int  `json:"code,omitempty"`
	Signal   int  `json:"signal,omitempty"`
}
