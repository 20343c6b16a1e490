package addrstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertOrUpdateReportsNewness(t *testing.T) {
	store := openTestStore(t)

	wasNew, err := store.InsertOrUpdate(NodeInfo{
		Addr:        "203.0.113.1:8333",
		NodeType:    Core,
		LastSeen:    time.Now(),
		IsReachable: true,
	})
	require.NoError(t, err)
	require.True(t, wasNew)

	wasNew, err = store.InsertOrUpdate(NodeInfo{
		Addr:        "203.0.113.1:8333",
		NodeType:    Knots,
		LastSeen:    time.Now(),
		IsReachable: true,
	})
	require.NoError(t, err)
	require.False(t, wasNew)
}

// TestMarkFailedFlipsReachabilityAtThreshold covers P4: a node becomes
// unreachable exactly on its fifth consecutive failure, not before.
func TestMarkFailedFlipsReachabilityAtThreshold(t *testing.T) {
	store := openTestStore(t)

	_, err := store.InsertOrUpdate(NodeInfo{
		Addr:        "198.51.100.7:8333",
		NodeType:    Other,
		LastSeen:    time.Now(),
		IsReachable: true,
	})
	require.NoError(t, err)

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		require.NoError(t, store.MarkFailed("198.51.100.7:8333"))
		addrs, err := store.GetRandom(10)
		require.NoError(t, err)
		require.Contains(t, addrs, "198.51.100.7:8333")
	}

	require.NoError(t, store.MarkFailed("198.51.100.7:8333"))
	addrs, err := store.GetRandom(10)
	require.NoError(t, err)
	require.NotContains(t, addrs, "198.51.100.7:8333")
}

func TestMarkConnectedResetsFailures(t *testing.T) {
	store := openTestStore(t)

	_, err := store.InsertOrUpdate(NodeInfo{
		Addr:        "192.0.2.9:8333",
		NodeType:    Core,
		LastSeen:    time.Now(),
		IsReachable: true,
	})
	require.NoError(t, err)

	for i := 0; i < maxConsecutiveFailures; i++ {
		require.NoError(t, store.MarkFailed("192.0.2.9:8333"))
	}
	addrs, err := store.GetRandom(10)
	require.NoError(t, err)
	require.NotContains(t, addrs, "192.0.2.9:8333")

	require.NoError(t, store.MarkConnected("192.0.2.9:8333"))
	addrs, err = store.GetRandom(10)
	require.NoError(t, err)
	require.Contains(t, addrs, "192.0.2.9:8333")
}

// TestGetKnotsExcludingSkipsKnotsAndOrdersByPriority covers P5: the dial
// pool never contains Knots peers, and non-Knots types are ordered
// LibreRelay < Core < Other < Unknown.
func TestGetKnotsExcludingSkipsKnotsAndOrdersByPriority(t *testing.T) {
	store := openTestStore(t)

	seed := []struct {
		addr string
		t    NodeType
	}{
		{"10.0.0.1:8333", Knots},
		{"10.0.0.2:8333", Unknown},
		{"10.0.0.3:8333", Other},
		{"10.0.0.4:8333", Core},
		{"10.0.0.5:8333", LibreRelay},
	}
	for _, s := range seed {
		_, err := store.InsertOrUpdate(NodeInfo{
			Addr:        s.addr,
			NodeType:    s.t,
			LastSeen:    time.Now(),
			IsReachable: true,
		})
		require.NoError(t, err)
	}

	addrs, err := store.GetKnotsExcluding(10)
	require.NoError(t, err)

	require.NotContains(t, addrs, "10.0.0.1:8333")
	require.Equal(t, []string{
		"10.0.0.5:8333", // libre
		"10.0.0.4:8333", // core
		"10.0.0.3:8333", // other
		"10.0.0.2:8333", // unknown
	}, addrs)
}

func TestCountByTypeOnlyCountsReachable(t *testing.T) {
	store := openTestStore(t)

	_, err := store.InsertOrUpdate(NodeInfo{Addr: "a:1", NodeType: Core, LastSeen: time.Now(), IsReachable: true})
	require.NoError(t, err)
	_, err = store.InsertOrUpdate(NodeInfo{Addr: "b:1", NodeType: Core, LastSeen: time.Now(), IsReachable: false})
	require.NoError(t, err)

	counts, err := store.CountByType()
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[Core])
}

func TestPruneOldRemovesOnlyStaleUnreachable(t *testing.T) {
	store := openTestStore(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	_, err := store.InsertOrUpdate(NodeInfo{Addr: "stale:1", NodeType: Other, LastSeen: old, IsReachable: false})
	require.NoError(t, err)
	_, err = store.InsertOrUpdate(NodeInfo{Addr: "fresh:1", NodeType: Other, LastSeen: time.Now(), IsReachable: false})
	require.NoError(t, err)
	_, err = store.InsertOrUpdate(NodeInfo{Addr: "stale-but-reachable:1", NodeType: Other, LastSeen: old, IsReachable: true})
	require.NoError(t, err)

	removed, err := store.PruneOld(time.Now().Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}
