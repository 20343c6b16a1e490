package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/knotproof/knotproof/internal/addrstore"
)

func testGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	return testutil.ToFloat64(g)
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func TestUpdatePeerCountsSetsAggregateGauge(t *testing.T) {
	m, _ := New()

	m.UpdatePeerCounts(map[addrstore.NodeType]int64{
		addrstore.Knots:      3,
		addrstore.Core:       5,
		addrstore.LibreRelay: 1,
		addrstore.Other:      2,
	})

	require.Equal(t, float64(3), testGaugeValue(t, m.KnotsPeers))
	require.Equal(t, float64(11), testGaugeValue(t, m.ConnectedPeers))
}

func TestIncTransactionsReceivedFromRoutesByType(t *testing.T) {
	m, _ := New()

	m.IncTransactionsReceivedFrom(addrstore.Knots)
	m.IncTransactionsReceivedFrom(addrstore.Knots)
	m.IncTransactionsReceivedFrom(addrstore.Core)

	require.Equal(t, float64(2), testCounterValue(t, m.TransactionsReceivedFromKnots))
	require.Equal(t, float64(1), testCounterValue(t, m.TransactionsReceivedFromCore))
}
