// Package telemetry exposes knotproof's operational counters and gauges
// as Prometheus text exposition over HTTP, mirroring the metric surface
// the relay engine and discovery loop update as they run.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/knotproof/knotproof/internal/addrstore"
)

// Metrics is the process-wide registry of knotproof's counters and gauges.
// All fields are safe for concurrent use; Prometheus collectors handle
// their own synchronization.
type Metrics struct {
	ConnectedPeers      prometheus.Gauge
	KnotsPeers          prometheus.Gauge
	CorePeers           prometheus.Gauge
	LibrePeers          prometheus.Gauge
	OtherPeers          prometheus.Gauge
	UnclassifiedAgents  *prometheus.GaugeVec
	TotalConnections    prometheus.Counter
	TotalDisconnections prometheus.Counter

	TransactionsReceived            prometheus.Counter
	TransactionsReceivedFromKnots   prometheus.Counter
	TransactionsReceivedFromCore    prometheus.Counter
	TransactionsReceivedFromLibre   prometheus.Counter
	TransactionsReceivedFromOther   prometheus.Counter
	TransactionsReceivedFromUnknown prometheus.Counter
	TransactionsRelayed             prometheus.Counter

	InvMessagesReceived     prometheus.Counter
	AddrMessagesReceived    prometheus.Counter
	GetAddrMessagesReceived prometheus.Counter

	DiscoveryRuns   prometheus.Counter
	NodesDiscovered prometheus.Counter
	NodesPruned     prometheus.Counter
}

// New registers every knotproof series against a fresh registry and
// returns the handle components update as they run.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connected_peers", Help: "Number of currently connected peers",
		}),
		KnotsPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knots_peers", Help: "Number of Knots peers currently connected",
		}),
		CorePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_peers", Help: "Number of Core peers currently connected",
		}),
		LibrePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "libre_peers", Help: "Number of Libre Relay peers currently connected",
		}),
		OtherPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "other_peers", Help: "Number of other peers currently connected",
		}),
		UnclassifiedAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "unclassified_agent_peers", Help: "Connected peers by unclassified user agent",
		}, []string{"user_agent"}),
		TotalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_connections", Help: "Total number of peer connections made",
		}),
		TotalDisconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_disconnections", Help: "Total number of peer disconnections",
		}),
		TransactionsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_received", Help: "Total number of transactions received from peers",
		}),
		TransactionsReceivedFromKnots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_received_from_knots", Help: "Total number of transactions received from Knots peers",
		}),
		TransactionsReceivedFromCore: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_received_from_core", Help: "Total number of transactions received from Core peers",
		}),
		TransactionsReceivedFromLibre: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_received_from_libre", Help: "Total number of transactions received from Libre Relay peers",
		}),
		TransactionsReceivedFromOther: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_received_from_other", Help: "Total number of transactions received from other peers",
		}),
		TransactionsReceivedFromUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_received_from_unknown", Help: "Total number of transactions received from unknown peers",
		}),
		TransactionsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_relayed", Help: "Total number of transactions relayed to peers",
		}),
		InvMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inv_messages_received", Help: "Total number of inv messages received",
		}),
		AddrMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addr_messages_received", Help: "Total number of addr messages received",
		}),
		GetAddrMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "getaddr_messages_received", Help: "Total number of getaddr messages received",
		}),
		DiscoveryRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_runs", Help: "Number of discovery cycles run",
		}),
		NodesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodes_discovered", Help: "Total number of new nodes discovered",
		}),
		NodesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodes_pruned", Help: "Total number of nodes pruned from database",
		}),
	}

	reg.MustRegister(
		m.ConnectedPeers, m.KnotsPeers, m.CorePeers, m.LibrePeers, m.OtherPeers,
		m.UnclassifiedAgents, m.TotalConnections, m.TotalDisconnections,
		m.TransactionsReceived,
		m.TransactionsReceivedFromKnots, m.TransactionsReceivedFromCore,
		m.TransactionsReceivedFromLibre, m.TransactionsReceivedFromOther,
		m.TransactionsReceivedFromUnknown, m.TransactionsRelayed,
		m.InvMessagesReceived, m.AddrMessagesReceived, m.GetAddrMessagesReceived,
		m.DiscoveryRuns, m.NodesDiscovered, m.NodesPruned,
	)

	return m, reg
}

// UpdatePeerCounts sets the four per-type gauges and the aggregate
// connected_peers gauge from a freshly recomputed histogram.
func (m *Metrics) UpdatePeerCounts(counts map[addrstore.NodeType]int64) {
	knots := counts[addrstore.Knots]
	core := counts[addrstore.Core]
	libre := counts[addrstore.LibreRelay]
	other := counts[addrstore.Other] + counts[addrstore.Unknown]

	m.KnotsPeers.Set(float64(knots))
	m.CorePeers.Set(float64(core))
	m.LibrePeers.Set(float64(libre))
	m.OtherPeers.Set(float64(other))
	m.ConnectedPeers.Set(float64(knots + core + libre + other))
}

// UpdateUnclassifiedAgents replaces the whole label series: every call
// resets the vector first so a disconnected agent's series doesn't linger.
func (m *Metrics) UpdateUnclassifiedAgents(counts map[string]int64) {
	m.UnclassifiedAgents.Reset()
	for agent, count := range counts {
		m.UnclassifiedAgents.WithLabelValues(agent).Set(float64(count))
	}
}

// IncTransactionsReceivedFrom increments the per-source-type counter for
// the node type that originated a newly-seen transaction.
func (m *Metrics) IncTransactionsReceivedFrom(nodeType addrstore.NodeType) {
	switch nodeType {
	case addrstore.Knots:
		m.TransactionsReceivedFromKnots.Inc()
	case addrstore.Core:
		m.TransactionsReceivedFromCore.Inc()
	case addrstore.LibreRelay:
		m.TransactionsReceivedFromLibre.Inc()
	case addrstore.Other:
		m.TransactionsReceivedFromOther.Inc()
	default:
		m.TransactionsReceivedFromUnknown.Inc()
	}
}

// Serve starts the /metrics HTTP listener. It never returns until ctx is
// cancelled or the listener fails; callers should run it in its own
// goroutine so a bind failure does not abort process startup, per spec.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Infow("telemetry: starting metrics listener", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("telemetry: metrics listener failed", "addr", addr, "err", fmt.Errorf("telemetry: serve %s: %w", addr, err))
	}
}
