package reactor

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/dstroud/constellation/internal/wire"
)

// writeHandshake announces the local Pid to a freshly dialed or accepted
// connection, so the peer can identify who it's talking to (spec.md §4.3:
// "read a handshake frame that announces the peer PID").
func writeHandshake(nc net.Conn, self wire.PidBytes) error {
	var buf [6]byte
	copy(buf[0:4], self.IP[:])
	binary.BigEndian.PutUint16(buf[4:6], self.Port)
	_, err := nc.Write(buf[:])
	return err
}

func readHandshake(nc net.Conn) (wire.PidBytes, error) {
	var buf [6]byte
	if _, err := io.ReadFull(nc, buf[:]); err != nil {
		return wire.PidBytes{}, err
	}
	var p wire.PidBytes
	copy(p.IP[:], buf[0:4])
	p.Port = binary.BigEndian.Uint16(buf[4:6])
	return p, nil
}
