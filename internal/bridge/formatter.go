package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/time/rate"

	"github.com/dstroud/constellation/internal/wire"
)

var palette = []color.Attribute{
	color.FgCyan, color.FgYellow, color.FgGreen, color.FgMagenta,
	color.FgBlue, color.FgRed, color.FgHiCyan, color.FgHiYellow,
}

// Formatter renders the bridge's merged event stream, either as
// human-readable PID-prefixed, colored lines (grounded on
// bitsinside-httptap/httptap.go's colored per-connection logging) or as
// one JSON object per line for deployed/scripted consumption (spec.md §6's
// DeployOutputEvent).
type Formatter struct {
	w    io.Writer
	json bool

	mu      sync.Mutex
	colorOf map[wire.PidBytes]*color.Color
	next    int

	limMu      sync.Mutex
	limiters   map[wire.PidBytes]*rate.Limiter
	limitEvery rate.Limit
	limitBurst int
}

// NewFormatter builds a Formatter writing to w. json selects line-delimited
// JSON output; otherwise color is enabled only when the process's stderr
// is attached to a TTY.
func NewFormatter(w io.Writer, jsonMode bool) *Formatter {
	f := &Formatter{
		w:          w,
		json:       jsonMode,
		colorOf:    make(map[wire.PidBytes]*color.Color),
		limiters:   make(map[wire.PidBytes]*rate.Limiter),
		limitEvery: rate.Limit(200), // lines/sec sustained, per worker
		limitBurst: 400,
	}
	if !jsonMode {
		if !isatty.IsTerminal(os.Stderr.Fd()) {
			color.NoColor = true
		}
	}
	return f
}

func (f *Formatter) colorFor(pid wire.PidBytes) *color.Color {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.colorOf[pid]
	if !ok {
		c = color.New(palette[f.next%len(palette)])
		f.next++
		f.colorOf[pid] = c
	}
	return c
}

func (f *Formatter) limiterFor(pid wire.PidBytes) *rate.Limiter {
	f.limMu.Lock()
	defer f.limMu.Unlock()
	l, ok := f.limiters[pid]
	if !ok {
		l = rate.NewLimiter(f.limitEvery, f.limitBurst)
		f.limiters[pid] = l
	}
	return l
}

// Spawn records a new Pid being launched by parent.
func (f *Formatter) Spawn(parent, child wire.PidBytes) {
	if f.json {
		f.emitJSON(wire.DeployOutputEvent{Pid: parent.String(), Spawn: strPtr(child.String())})
		return
	}
	c := f.colorFor(parent)
	c.Fprintf(f.w, "[%s] spawned %s\n", parent, child)
}

// Output relays a chunk of a worker's stdout/stderr. An empty data slice
// marks EOF on that fd and is suppressed in human mode (nothing useful to
// print) but still emitted in JSON mode so consumers can detect stream end.
func (f *Formatter) Output(pid wire.PidBytes, fd int32, data []byte) {
	if !f.limiterFor(pid).AllowN(time.Now(), 1) {
		return
	}
	if f.json {
		f.emitJSON(wire.DeployOutputEvent{
			Pid:    pid.String(),
			Output: &wire.OutputJSON{Fd: fd, Bytes: data},
		})
		return
	}
	if len(data) == 0 {
		return
	}
	c := f.colorFor(pid)
	prefix := "stdout"
	if fd == 2 {
		prefix = "stderr"
	}
	c.Fprintf(f.w, "[%s:%s] %s", pid, prefix, data)
	if data[len(data)-1] != '\n' {
		fmt.Fprintln(f.w)
	}
}

// Exit records a tracked process's final status.
func (f *Formatter) Exit(pid wire.PidBytes, status wire.ExitStatus) {
	if f.json {
		f.emitJSON(wire.DeployOutputEvent{
			Pid:  pid.String(),
			Exit: &wire.ExitJSON{Signaled: status.Signaled, Code: status.Code, Signal: status.Signal},
		})
		return
	}
	c := f.colorFor(pid)
	if status.Success() {
		c.Fprintf(f.w, "[%s] exited 0\n", pid)
	} else if status.Signaled {
		c.Fprintf(f.w, "[%s] killed by signal %d\n", pid, status.Signal)
	} else {
		c.Fprintf(f.w, "[%s] exited %d\n", pid, status.Code)
	}
}

func strPtr(s string) *string { return &s }

func (f *Formatter) emitJSON(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := json.NewEncoder(f.w)
	_ = enc.Encode(v)
}
