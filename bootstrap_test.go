package constellation

import (
	"os"
	"os/exec"
	"strings"
	"testing"
)

// TestMyPidPanicsBeforeInit verifies spec.md §8 invariant 7: calling any
// runtime API before bootstrap is rejected. Because global is a
// process-wide singleton that other tests in this binary legitimately
// initialize (see ensureGlobalForTest in channel_test.go), the only honest
// way to observe the pre-Init state is a fresh process: re-exec this test
// binary restricted to this one test, with an environment variable telling
// it to call MyPid directly instead of running the normal test body.
func TestMyPidPanicsBeforeInit(t *testing.T) {
	if os.Getenv("CONSTELLATION_TEST_CALL_BEFORE_INIT") == "1" {
		MyPid()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestMyPidPanicsBeforeInit")
	cmd.Env = append(os.Environ(), "CONSTELLATION_TEST_CALL_BEFORE_INIT=1")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected subprocess to panic before Init, exited cleanly with output: %s", out)
	}
	if !strings.Contains(string(out), "constellation: runtime API used before Init") {
		t.Fatalf("expected panic message about uninitialized runtime, got: %s", out)
	}
}
