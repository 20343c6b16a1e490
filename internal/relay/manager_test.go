package relay

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/knotproof/knotproof/internal/addrstore"
	"github.com/knotproof/knotproof/internal/peer"
)

// TestAdoptRejectsDuplicateAddress covers P9: a second handle for an
// address already in the peer list is rejected, not appended.
func TestAdoptRejectsDuplicateAddress(t *testing.T) {
	m := newTestManager(t)

	first := peer.NewHandle("10.0.0.1:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	second := peer.NewHandle("10.0.0.1:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)

	require.True(t, m.adopt(first))
	require.False(t, m.adopt(second))
	require.Len(t, m.Peers(), 1)
}

// TestFillOnceSkipsIPv6ConnectedAndPendingCandidates verifies the outbound
// filler's candidate skip logic without actually dialing anything: it
// does not call fillOnce or touch the store, but applies fillOnce's skip
// rules to a fixed candidate list and checks which ones remain neither
// IPv6, connected, nor pending.
func TestFillOnceSkipsIPv6ConnectedAndPendingCandidates(t *testing.T) {
	m := newTestManager(t)

	connected := peer.NewHandle("10.0.0.5:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	require.True(t, m.adopt(connected))
	m.addPending("10.0.0.6:8333")

	addrs := []string{
		"[2001:db8::1]:8333",
		"10.0.0.5:8333",
		"10.0.0.6:8333",
		"10.0.0.7:8333",
	}

	connectedSet := make(map[string]struct{})
	for _, h := range m.Peers() {
		connectedSet[h.Addr] = struct{}{}
	}
	pendingSet := m.pendingSnapshot()

	var eligible []string
	for _, addr := range addrs {
		if isIPv6Addr(addr) {
			continue
		}
		if _, ok := connectedSet[addr]; ok {
			continue
		}
		if _, ok := pendingSet[addr]; ok {
			continue
		}
		eligible = append(eligible, addr)
	}

	require.Equal(t, []string{"10.0.0.7:8333"}, eligible)
}

func TestIsIPv6AddrDistinguishesFamilies(t *testing.T) {
	require.True(t, isIPv6Addr("[2001:db8::1]:8333"))
	require.False(t, isIPv6Addr("10.0.0.1:8333"))
}

// TestSendToPrunesStalePeerOnQueueOverflow covers the stale-peer-reap
// path: a handle whose outbound queue is saturated is removed from the
// peer list when sendTo observes the drop.
func TestSendToPrunesStalePeerOnQueueOverflow(t *testing.T) {
	m := newTestManager(t)

	h := peer.NewHandle("10.0.0.9:8333", "/Satoshi:26.0/", addrstore.Core, 1)
	require.True(t, m.adopt(h))

	require.True(t, h.Send(sampleTx(1)))
	require.False(t, h.Send(sampleTx(2)))

	require.False(t, m.sendTo(h.Addr, sampleTx(3)))
	require.Empty(t, m.Peers())
}

func TestUpdatePeerCountsTracksUnclassifiedAgents(t *testing.T) {
	m := newTestManager(t)

	other := peer.NewHandle("10.0.0.10:8333", "/weird-node:1.0/", addrstore.Other, peer.OutboundQueueCapacity)
	knots := peer.NewHandle("10.0.0.11:8333", "/Knots:26.0/", addrstore.Knots, peer.OutboundQueueCapacity)
	require.True(t, m.adopt(other))
	require.True(t, m.adopt(knots))

	m.updatePeerCounts()

	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.OtherPeers))
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.KnotsPeers))
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.UnclassifiedAgents.WithLabelValues("/weird-node:1.0/")))
}
