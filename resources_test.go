package constellation

import "testing"

func TestResourcesEnvRoundTrip(t *testing.T) {
	r := Resources{Mem: 128 * 1024 * 1024, Cpu: 0.25}
	enc, err := r.encodeEnv()
	if err != nil {
		t.Fatalf("encodeEnv: %v", err)
	}
	got, err := decodeResourcesEnv(enc)
	if err != nil {
		t.Fatalf("decodeResourcesEnv: %v", err)
	}
	if got != r {
		t.Fatalf("got %+v, want %+v", got, r)
	}
}

func TestResourcesFromEnvUnset(t *testing.T) {
	t.Setenv(resourcesEnvVar, "")
	r, ok, err := resourcesFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for unset env, got resources %+v", r)
	}
}
