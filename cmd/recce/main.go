// Command recce probes a constellation binary's declared top-level
// resource requirements without actually running it: it re-execs the
// target with CONSTELLATION_RECCE set, reads back whatever it writes to
// its well-known listener FD, and prints the result.
//
// Grounded on bitsinside-httptap/httptap.go's args-struct-plus-
// arg.MustParse CLI shape and its own re-exec-via-/proc/self/exe pattern
// (here generalized to re-exec an arbitrary target binary rather than
// itself).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/alexflint/go-arg"

	"github.com/dstroud/constellation/internal/wire"
)

type resourcesProbe struct {
	Mem uint64  `json:"mem"`
	Cpu float32 `json:"cpu"`
}

func main() {
	var args struct {
		Binary string   `arg:"positional,required" help:"path to a constellation binary to probe"`
		Args   []string `arg:"positional" help:"arguments to pass to the binary"`
		JSON   bool     `help:"print the probe result as JSON instead of a human summary"`
	}
	arg.MustParse(&args)

	res, err := probe(args.Binary, args.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recce: %v\n", err)
		os.Exit(1)
	}

	if args.JSON {
		json.NewEncoder(os.Stdout).Encode(res)
		return
	}
	fmt.Printf("mem:  %d bytes\ncpu:  %g cores\n", res.Mem, res.Cpu)
}

func probe(binary string, binArgs []string) (resourcesProbe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return resourcesProbe{}, fmt.Errorf("create probe pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.Command(binary, binArgs...)
	cmd.Env = append(os.Environ(), "CONSTELLATION_RECCE=1")
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		w.Close()
		return resourcesProbe{}, fmt.Errorf("start %s: %w", binary, err)
	}
	w.Close()

	if err := cmd.Wait(); err != nil {
		return resourcesProbe{}, fmt.Errorf("%s: %w", binary, err)
	}

	var res resourcesProbe
	dec := json.NewDecoder(r)
	if err := dec.Decode(&res); err != nil {
		return resourcesProbe{}, fmt.Errorf("decode resources from fd %d: %w", wire.ListenerFD, err)
	}
	return res, nil
}
