package constellation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Pid identifies a process in a constellation: the IPv4 address and port of
// its channel listener. A process learns its own Pid during bootstrap by
// binding a listener and reading back its local address.
type Pid struct {
	IP   [4]byte
	Port uint16
}

// pidFromAddr builds a Pid from a bound TCP listener's address.
func pidFromAddr(addr net.Addr) (Pid, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return Pid{}, fmt.Errorf("constellation: listener address %v is not a TCP address", addr)
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return Pid{}, fmt.Errorf("constellation: listener address %v is not IPv4", addr)
	}
	var p Pid
	copy(p.IP[:], ip4)
	p.Port = uint16(tcpAddr.Port)
	return p, nil
}

// Addr returns the dialable TCP address for this Pid.
func (p Pid) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(p.IP[:]), Port: int(p.Port)}
}

func (p Pid) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", p.IP[0], p.IP[1], p.IP[2], p.IP[3], p.Port)
}

// ParsePid parses the "a.b.c.d:port" form produced by Pid.String, used to
// pass a Pid through an environment variable across an exec boundary
// (spec.md §4.8's CONSTELLATION_TOP_PID).
func ParsePid(s string) (Pid, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Pid{}, fmt.Errorf("constellation: parse pid %q: %w", s, err)
	}
	ip4 := net.ParseIP(host)
	if ip4 == nil {
		return Pid{}, fmt.Errorf("constellation: parse pid %q: invalid address", s)
	}
	ip4 = ip4.To4()
	if ip4 == nil {
		return Pid{}, fmt.Errorf("constellation: parse pid %q: not IPv4", s)
	}
	var port uint64
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Pid{}, fmt.Errorf("constellation: parse pid %q: invalid port: %w", s, err)
	}
	var p Pid
	copy(p.IP[:], ip4)
	p.Port = uint16(port)
	return p, nil
}

// Equal reports whether two Pids name the same process.
func (p Pid) Equal(o Pid) bool {
	return p.IP == o.IP && p.Port == o.Port
}

// Less implements the deterministic tie-break rule from spec.md §4.3/§9:
// on simultaneous dial collisions the numerically smaller Pid connects.
func (p Pid) Less(o Pid) bool {
	if c := bytes.Compare(p.IP[:], o.IP[:]); c != 0 {
		return c < 0
	}
	return p.Port < o.Port
}

// encode writes a fixed-width binary form of the Pid: 4 bytes of IPv4
// followed by a big-endian uint16 port. Nothing calls it at present: the
// reactor handshake writes the same layout with its own code, and the
// argument blob is gob-encoded.
func (p Pid) encode(w *bytes.Buffer) {
	w.Write(p.IP[:])
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], p.Port)
	w.Write(portBuf[:])
}

func decodePid(r *bytes.Reader) (Pid, error) {
	var p Pid
	if _, err := r.Read(p.IP[:]); err != nil {
		return Pid{}, fmt.Errorf("constellation: decode pid: %w", err)
	}
	var portBuf [2]byte
	if _, err := r.Read(portBuf[:]); err != nil {
		return Pid{}, fmt.Errorf("constellation: decode pid: %w", err)
	}
	p.Port = binary.BigEndian.Uint16(portBuf[:])
	return p, nil
}
