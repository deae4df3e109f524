package constellation

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// StartFunc is the serializable "boxed callable" spec.md §9 describes: a
// value that can be carried across a spawn as the new process's entry
// point, and invoked exactly once with the spawning process's Pid.
//
// A concrete StartFunc implementation must be registered with Register
// before it can be spawned or received, the same way a Rust trait object's
// concrete type must be known to the deserializer on the other side.
type StartFunc interface {
	Run(parent Pid)
}

// Register makes a concrete StartFunc type known to the gob encoder so
// closure blobs can be deserialized back into their concrete type in the
// child process. Call it in an init() alongside the type's definition.
func Register(v StartFunc) {
	gob.Register(v)
}

// encodeClosure serializes a StartFunc value for inclusion in a spawn
// argument blob.
func encodeClosure(f StartFunc) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	box := closureBox{F: f}
	if err := enc.Encode(&box); err != nil {
		return nil, fmt.Errorf("constellation: encode start closure: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeClosure reconstructs a StartFunc from a previously encoded blob.
func decodeClosure(b []byte) (StartFunc, error) {
	var box closureBox
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&box); err != nil {
		return nil, fmt.Errorf("constellation: decode start closure: %w", err)
	}
	return box.F, nil
}

// closureBox carries the interface value through gob, which requires a
// concrete field of interface type rather than encoding bare interface
// values at the top level.
type closureBox struct {
	F StartFunc
}
