package constellation

import "testing"

func TestPidLessTieBreak(t *testing.T) {
	a := Pid{IP: [4]byte{127, 0, 0, 1}, Port: 4000}
	b := Pid{IP: [4]byte{127, 0, 0, 1}, Port: 4001}
	if !a.Less(b) {
		t.Fatalf("expected %v < %v", a, b)
	}
	if b.Less(a) {
		t.Fatalf("expected %v not < %v", b, a)
	}
	if a.Less(a) {
		t.Fatalf("pid must not be less than itself")
	}
}

func TestPidStringAndAddr(t *testing.T) {
	p := Pid{IP: [4]byte{10, 0, 0, 5}, Port: 9000}
	if got, want := p.String(), "10.0.0.5:9000"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	addr := p.Addr()
	if addr.Port != 9000 || addr.IP.String() != "10.0.0.5" {
		t.Fatalf("Addr() = %v, unexpected", addr)
	}
}

func TestParsePidRoundTrip(t *testing.T) {
	p := Pid{IP: [4]byte{192, 168, 1, 7}, Port: 54321}
	got, err := ParsePid(p.String())
	if err != nil {
		t.Fatalf("ParsePid: %v", err)
	}
	if !got.Equal(p) {
		t.Fatalf("ParsePid(%q) = %v, want %v", p.String(), got, p)
	}
}

func TestParsePidInvalid(t *testing.T) {
	cases := []string{"", "not-a-pid", "127.0.0.1", "127.0.0.1:notaport", "[::1]:80"}
	for _, c := range cases {
		if _, err := ParsePid(c); err == nil {
			t.Fatalf("ParsePid(%q): expected error", c)
		}
	}
}

func TestPidEqual(t *testing.T) {
	a := Pid{IP: [4]byte{1, 2, 3, 4}, Port: 1}
	b := Pid{IP: [4]byte{1, 2, 3, 4}, Port: 1}
	c := Pid{IP: [4]byte{1, 2, 3, 4}, Port: 2}
	if !a.Equal(b) {
		t.Fatalf("expected equal pids")
	}
	if a.Equal(c) {
		t.Fatalf("expected unequal pids")
	}
}
