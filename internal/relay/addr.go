package relay

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// parseNetAddress turns a "host:port" peer address into the wire
// NetAddress GetAddr responses carry, with services set to NONE and the
// given timestamp, per §4.5.1.
func parseNetAddress(addr string, timestamp uint32) (*wire.NetAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("relay: split %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("relay: invalid ip in %q", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid port in %q: %w", addr, err)
	}

	na := wire.NewNetAddressIPPort(ip, uint16(port), 0)
	na.Timestamp = time.Unix(int64(timestamp), 0)
	return na, nil
}
