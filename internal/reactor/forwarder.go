package reactor

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dstroud/constellation/internal/wire"
)

// SocketForwarder lets the monitor's reactor hand off an accepted
// connection's file descriptor to the worker process over a Unix domain
// socket pair, per spec.md §4.4. The forwarder side lives in the monitor;
// the forwardee side lives in the worker and feeds a Reactor's inbound
// channel.
type SocketForwarder struct {
	uc *net.UnixConn
}

// SocketForwardee is the worker-side counterpart, reconstituting forwarded
// connections as net.Conn plus the peer Pid that was decided before
// forwarding.
type SocketForwardee struct {
	uc *net.UnixConn
}

// NewSocketForwarderPair creates a connected Unix domain socket pair,
// returning the monitor-side forwarder and the worker-side forwardee. The
// pair's file descriptors are suitable for handing to a child process via
// os/exec's ExtraFiles (see internal/spawnengine and internal/monitor).
func NewSocketForwarderPair() (*SocketForwarder, *SocketForwardee, *os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("reactor: socketpair: %w", err)
	}
	fA := os.NewFile(uintptr(fds[0]), "forwarder")
	fB := os.NewFile(uintptr(fds[1]), "forwardee")
	ncA, err := net.FileConn(fA)
	if err != nil {
		fA.Close()
		fB.Close()
		return nil, nil, nil, nil, fmt.Errorf("reactor: FileConn forwarder: %w", err)
	}
	ncB, err := net.FileConn(fB)
	if err != nil {
		ncA.Close()
		fB.Close()
		return nil, nil, nil, nil, fmt.Errorf("reactor: FileConn forwardee: %w", err)
	}
	ua, ok := ncA.(*net.UnixConn)
	if !ok {
		ncA.Close()
		ncB.Close()
		return nil, nil, nil, nil, fmt.Errorf("reactor: forwarder socket is not unix")
	}
	ub, ok := ncB.(*net.UnixConn)
	if !ok {
		ncA.Close()
		ncB.Close()
		return nil, nil, nil, nil, fmt.Errorf("reactor: forwardee socket is not unix")
	}
	return &SocketForwarder{uc: ua}, &SocketForwardee{uc: ub}, fA, fB, nil
}

// NewSocketForwardeeFromFile reconstitutes the worker side of a forwarding
// pair from an inherited file descriptor (spec.md §4.4's ForwardeeFD,
// crossed via os/exec's ExtraFiles rather than created fresh in this
// process).
func NewSocketForwardeeFromFile(f *os.File) (*SocketForwardee, error) {
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("reactor: forwardee FileConn: %w", err)
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("reactor: forwardee fd is not a unix socket")
	}
	return &SocketForwardee{uc: uc}, nil
}

// Forward sends conn's underlying file descriptor, plus the peer Pid that
// was decided for it, across the Unix domain socket to the forwardee side.
func (f *SocketForwarder) Forward(conn net.Conn, peer wire.PidBytes) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("reactor: forward: connection is not a TCPConn")
	}
	file, err := tc.File()
	if err != nil {
		return fmt.Errorf("reactor: forward: dup connection fd: %w", err)
	}
	defer file.Close()
	conn.Close() // the monitor no longer needs its copy once the dup is handed off

	rights := unix.UnixRights(int(file.Fd()))
	header := make([]byte, 6)
	copy(header[0:4], peer.IP[:])
	header[4] = byte(peer.Port >> 8)
	header[5] = byte(peer.Port)
	_, _, err = f.uc.WriteMsgUnix(header, rights, nil)
	if err != nil {
		return fmt.Errorf("reactor: forward: WriteMsgUnix: %w", err)
	}
	return nil
}

// Close releases the forwarder's end of the socket pair.
func (f *SocketForwarder) Close() error { return f.uc.Close() }

// Receive blocks for the next forwarded connection, reconstituting it as a
// net.Conn plus the Pid it was forwarded for.
func (fe *SocketForwardee) Receive() (ForwardedConn, error) {
	header := make([]byte, 6)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := fe.uc.ReadMsgUnix(header, oob)
	if err != nil {
		return ForwardedConn{}, fmt.Errorf("reactor: receive forwarded conn: %w", err)
	}
	if n != len(header) {
		return ForwardedConn{}, fmt.Errorf("reactor: receive forwarded conn: short header")
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return ForwardedConn{}, fmt.Errorf("reactor: parse control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return ForwardedConn{}, fmt.Errorf("reactor: receive forwarded conn: no control message")
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return ForwardedConn{}, fmt.Errorf("reactor: parse unix rights: %w", err)
	}
	file := os.NewFile(uintptr(fds[0]), "forwarded-conn")
	nc, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return ForwardedConn{}, fmt.Errorf("reactor: forwarded FileConn: %w", err)
	}
	var peer wire.PidBytes
	copy(peer.IP[:], header[0:4])
	peer.Port = uint16(header[4])<<8 | uint16(header[5])
	return ForwardedConn{Peer: peer, Conn: nc}, nil
}

// Close releases the forwardee's end of the socket pair.
func (fe *SocketForwardee) Close() error { return fe.uc.Close() }

// RunForwardee drains forwarded connections into ch until the forwardee is
// closed, for wiring directly into Reactor's inbound channel.
func RunForwardee(fe *SocketForwardee, ch chan<- ForwardedConn) {
	defer close(ch)
	for {
		fc, err := fe.Receive()
		if err != nil {
			return
		}
		ch <- fc
	}
}
