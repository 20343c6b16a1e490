package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knotproof/knotproof/internal/addrstore"
	"github.com/knotproof/knotproof/internal/peer"
	"github.com/knotproof/knotproof/internal/telemetry"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := addrstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics, _ := telemetry.New()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return New(store, metrics, Config{TargetPeers: 8, ListenAddr: "127.0.0.1:0", UserAgent: "/knotproof:1.0/", PeerTimeout: time.Second}, logger.Sugar())
}

func sampleTx(lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = lockTime
	return tx
}

// TestHandleTxIsIdempotent covers P6: posting the same Tx twice causes
// exactly one re-announcement and exactly one increment of
// transactions_received.
func TestHandleTxIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	announcer := peer.NewHandle("10.0.0.1:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	other := peer.NewHandle("10.0.0.2:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	m.peers = []*peer.Handle{announcer, other}

	tx := sampleTx(1)
	m.handleTx(announcer.Addr, tx)
	m.handleTx(announcer.Addr, tx)

	select {
	case <-other.Outbound():
	default:
		t.Fatal("expected exactly one relayed Inv on first acceptance")
	}
	select {
	case <-other.Outbound():
		t.Fatal("expected no second relayed Inv for a duplicate Tx")
	default:
	}
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.TransactionsReceived))
}

// TestRelayInvExcludesAnnouncerAndKnots covers P7: after a Tx is accepted
// from peer A among {A, B(Knots), C(Core), D(Core)}, the relay Inv
// reaches C and D but not A or B.
func TestRelayInvExcludesAnnouncerAndKnots(t *testing.T) {
	m := newTestManager(t)

	a := peer.NewHandle("10.0.0.1:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	b := peer.NewHandle("10.0.0.2:8333", "/Knots:26.0/", addrstore.Knots, peer.OutboundQueueCapacity)
	c := peer.NewHandle("10.0.0.3:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	d := peer.NewHandle("10.0.0.4:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	m.peers = []*peer.Handle{a, b, c, d}

	m.handleTx(a.Addr, sampleTx(2))

	assertReceived := func(h *peer.Handle, want bool) {
		select {
		case <-h.Outbound():
			require.True(t, want, "peer %s unexpectedly received the relay", h.Addr)
		default:
			require.False(t, want, "peer %s expected to receive the relay", h.Addr)
		}
	}
	assertReceived(a, false)
	assertReceived(b, false)
	assertReceived(c, true)
	assertReceived(d, true)
}

// TestRequestedKeyTTLAllowsRerequestAfterExpiry covers P8.
func TestRequestedKeyTTLAllowsRerequestAfterExpiry(t *testing.T) {
	state := NewState()
	var key chainhash.Hash
	key[0] = 0xAB

	t0 := time.Now()
	require.True(t, state.MarkRequested(key, t0))
	require.False(t, state.MarkRequested(key, t0.Add(60*time.Second)))
	require.True(t, state.MarkRequested(key, t0.Add(121*time.Second)))
}

// TestHandleGetAddrExcludesRequesterAndBoundsResponse covers P10.
func TestHandleGetAddrExcludesRequesterAndBoundsResponse(t *testing.T) {
	m := newTestManager(t)

	requester := peer.NewHandle("10.0.0.1:8333", "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity)
	m.peers = []*peer.Handle{requester}
	for i := 0; i < 75; i++ {
		addr := sampleAddr(i)
		m.peers = append(m.peers, peer.NewHandle(addr, "/Satoshi:26.0/", addrstore.Core, peer.OutboundQueueCapacity))
	}

	m.handleGetAddr(requester.Addr)

	select {
	case msg := <-requester.Outbound():
		addrMsg, ok := msg.(*wire.MsgAddr)
		require.True(t, ok)
		require.LessOrEqual(t, len(addrMsg.AddrList), getAddrResponseLimit)
		for _, na := range addrMsg.AddrList {
			require.NotEqual(t, "10.0.0.1", na.IP.String())
		}
	default:
		t.Fatal("expected an Addr reply")
	}
}

func sampleAddr(i int) string {
	return fmt.Sprintf("10.0.1.%d:8333", i%250+1)
}
