package codec

import (
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Services is the service bitmask knotproof advertises: NODE_NETWORK_LIMITED
// only — it relays transactions but does not serve full historical blocks.
const Services = wire.SFNodeNetworkLimited

// BuildVersion constructs the outgoing Version message for a handshake.
// our/their may be nil when the local socket address isn't known yet (the
// kernel hasn't assigned one); an unspecified address is substituted.
func BuildVersion(our, their net.Addr, userAgent string, startHeight int32, nonce uint64) *wire.MsgVersion {
	me := netAddressFrom(our, Services)
	you := netAddressFrom(their, wire.SFNodeNetwork)

	msg := wire.NewMsgVersion(me, you, nonce, startHeight)
	msg.ProtocolVersion = ProtocolVersion
	msg.Services = Services
	msg.Timestamp = time.Now()
	msg.UserAgent = userAgent
	msg.DisableRelayTx = false // relay=true
	return msg
}

func netAddressFrom(addr net.Addr, services wire.ServiceFlag) *wire.NetAddress {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || tcpAddr == nil {
		return wire.NewNetAddressIPPort(net.IPv4zero, 0, services)
	}
	return wire.NewNetAddressIPPort(tcpAddr.IP, uint16(tcpAddr.Port), services)
}
