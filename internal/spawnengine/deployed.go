package spawnengine

import (
	"fmt"
	"net"

	"github.com/dstroud/constellation/internal/wire"
)

// DialScheduler connects to the fabric scheduler at addr. The scheduler
// daemon itself is out of scope (spec.md §1); this implements only the
// client side of the wire protocol in spec.md §6.
func DialScheduler(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("spawnengine: dial scheduler %s: %w", addr, err)
	}
	return conn, nil
}

// SpawnDeployed implements spec.md §4.5's deployed path: send a
// FabricRequest and await Result<Pid, TrySpawnError>. It sends exactly one
// request and returns the scheduler's reply without retrying; req.Block is
// passed to the scheduler unchanged.
func SpawnDeployed(conn net.Conn, req wire.FabricRequest) (wire.FabricResult, error) {
	payload, err := wire.EncodeFabricRequest(req)
	if err != nil {
		return wire.FabricResult{}, err
	}
	if err := wire.WriteMessage(conn, payload); err != nil {
		return wire.FabricResult{}, fmt.Errorf("spawnengine: send fabric request: %w", err)
	}
	respPayload, err := wire.ReadMessage(conn)
	if err != nil {
		return wire.FabricResult{}, fmt.Errorf("spawnengine: read fabric result: %w", err)
	}
	result, err := wire.DecodeFabricResult(respPayload)
	if err != nil {
		return wire.FabricResult{}, err
	}
	return result, nil
}
