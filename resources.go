package constellation

import (
	"encoding/json"
	"fmt"
	"os"
)

// Resources describes the memory and CPU share requested for a spawned
// process. It is attached to every spawn request and published to the
// child via CONSTELLATION_RESOURCES so the child learns its own limits.
type Resources struct {
	Mem uint64  `json:"mem"` // bytes
	Cpu float32 `json:"cpu"` // fractional cores, e.g. 0.5
}

// DefaultResources mirrors the original implementation's RESOURCES_DEFAULT:
// used by spawn/try_spawn when the caller does not specify resources.
var DefaultResources = Resources{
	Mem: 64 * 1024 * 1024,
	Cpu: 0.5,
}

// DeclaredResources is what cmd/recce reports for this binary's top-level
// process when invoked under CONSTELLATION_RECCE, without actually running
// it. A program with unusual top-level requirements can set this in its own
// init(); it otherwise mirrors DefaultResources.
var DeclaredResources = DefaultResources

const resourcesEnvVar = "CONSTELLATION_RESOURCES"

func (r Resources) encodeEnv() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("constellation: marshal resources: %w", err)
	}
	return string(b), nil
}

func decodeResourcesEnv(s string) (Resources, error) {
	var r Resources
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Resources{}, fmt.Errorf("constellation: unmarshal %s: %w", resourcesEnvVar, err)
	}
	return r, nil
}

func resourcesFromEnv() (Resources, bool, error) {
	v, ok := os.LookupEnv(resourcesEnvVar)
	if !ok || v == "" {
		return Resources{}, false, nil
	}
	r, err := decodeResourcesEnv(v)
	if err != nil {
		return Resources{}, true, err
	}
	return r, true, nil
}
