package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/knotproof/knotproof/internal/addrstore"
	"github.com/knotproof/knotproof/internal/peer"
	"github.com/knotproof/knotproof/internal/telemetry"
)

const (
	outboundRefillInterval   = 3 * time.Second
	maxConnectAttemptsPerTick = 192
	getAddrResponseLimit     = 50
)

// AddressIngester is satisfied by the discovery loop: gossiped addresses
// flow from the manager straight into C4's ingestion path, per the
// original's direct-ownership shape.
type AddressIngester interface {
	HandleNewAddresses(addrs []*wire.NetAddress)
}

// Manager owns the peer list, the pending-dial set, and the relay state.
// It is the sole writer of peer-list membership and the sole consumer of
// the endpoint fan-in channel.
type Manager struct {
	store   *addrstore.Store
	metrics *telemetry.Metrics
	state   *State
	log     *zap.SugaredLogger

	targetPeers int
	listenAddr  string
	userAgent   string
	peerTimeout time.Duration
	startHeight int32

	discovery AddressIngester

	peersMu sync.RWMutex
	peers   []*peer.Handle

	pendingMu sync.RWMutex
	pending   map[string]struct{}

	events chan peer.Event
}

// Config bundles the operator-facing knobs a Manager needs at construction.
type Config struct {
	TargetPeers int
	ListenAddr  string
	UserAgent   string
	PeerTimeout time.Duration
}

// New builds a Manager ready to Run.
func New(store *addrstore.Store, metrics *telemetry.Metrics, cfg Config, log *zap.SugaredLogger) *Manager {
	return &Manager{
		store:       store,
		metrics:     metrics,
		state:       NewState(),
		log:         log,
		targetPeers: cfg.TargetPeers,
		listenAddr:  cfg.ListenAddr,
		userAgent:   cfg.UserAgent,
		peerTimeout: cfg.PeerTimeout,
		pending:     make(map[string]struct{}),
		events:      make(chan peer.Event, 4096),
	}
}

// SetDiscovery wires the discovery loop in after construction, matching
// the original's optional late-bound discovery reference.
func (m *Manager) SetDiscovery(d AddressIngester) {
	m.discovery = d
}

// Peers returns a snapshot of the currently connected peer handles.
func (m *Manager) Peers() []*peer.Handle {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make([]*peer.Handle, len(m.peers))
	copy(out, m.peers)
	return out
}

// Run drives the inbound listener, the outbound filler, and the event
// fan-in loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	go m.runListener(ctx)
	go m.runOutboundFiller(ctx)
	m.runEventLoop(ctx)
}

func (m *Manager) runListener(ctx context.Context) {
	listener, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		m.log.Errorw("relay: failed to bind inbound listener", "addr", m.listenAddr, "err", err)
		return
	}
	defer listener.Close()
	m.log.Infow("relay: listening for inbound peers", "addr", m.listenAddr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warnw("relay: inbound accept error", "err", err)
			continue
		}
		go m.acceptInbound(ctx, conn)
	}
}

func (m *Manager) acceptInbound(ctx context.Context, conn net.Conn) {
	ep, handle, err := peer.Accept(ctx, conn, m.userAgent, m.startHeight, m.peerTimeout, m.events, m.log)
	if err != nil {
		m.log.Warnw("relay: inbound handshake failed", "err", err)
		return
	}

	if !m.adopt(handle) {
		m.log.Infow("relay: skipping duplicate inbound peer", "addr", handle.Addr)
		conn.Close()
		return
	}

	m.metrics.TotalConnections.Inc()
	go ep.Run()
	ep.EmitConnected()
}

// adopt inserts handle into the peer list unless an entry for the same
// address already exists, implementing the duplicate-connection
// rejection the spec requires (P9). Returns whether the handle was
// adopted.
func (m *Manager) adopt(handle *peer.Handle) bool {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	for _, existing := range m.peers {
		if existing.Addr == handle.Addr {
			return false
		}
	}
	m.peers = append(m.peers, handle)
	return true
}

func (m *Manager) runOutboundFiller(ctx context.Context) {
	ticker := time.NewTicker(outboundRefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fillOnce(ctx)
		}
	}
}

func (m *Manager) fillOnce(ctx context.Context) {
	current := len(m.Peers())
	if current >= m.targetPeers {
		return
	}

	deficit := m.targetPeers - current
	desiredAttempts := deficit + deficit/2
	if desiredAttempts > maxConnectAttemptsPerTick {
		desiredAttempts = maxConnectAttemptsPerTick
	}

	connected := make(map[string]struct{}, current)
	for _, h := range m.Peers() {
		connected[h.Addr] = struct{}{}
	}

	pending := m.pendingSnapshot()

	candidates, err := m.store.GetKnotsExcluding(desiredAttempts * 4)
	if err != nil {
		m.log.Debugw("relay: get_knots_excluding failed", "err", err)
		return
	}

	attempted := 0
	for _, addr := range candidates {
		if attempted >= desiredAttempts {
			break
		}
		if isIPv6Addr(addr) {
			continue
		}
		if _, ok := connected[addr]; ok {
			continue
		}
		if _, ok := pending[addr]; ok {
			continue
		}
		attempted++
		m.addPending(addr)
		go m.dialOne(ctx, addr)
	}
}

func (m *Manager) dialOne(ctx context.Context, addr string) {
	defer m.removePending(addr)

	ep, handle, err := peer.Dial(ctx, addr, m.userAgent, m.startHeight, m.peerTimeout, m.events, m.log)
	if err != nil {
		m.log.Warnw("relay: outbound connect failed", "addr", addr, "err", err)
		if err := m.store.MarkFailed(addr); err != nil {
			m.log.Debugw("relay: mark_failed error", "addr", addr, "err", err)
		}
		return
	}

	if !m.adopt(handle) {
		m.log.Infow("relay: skipping duplicate outbound peer", "addr", addr)
		return
	}

	m.metrics.TotalConnections.Inc()
	go ep.Run()
	ep.EmitConnected()
}

func (m *Manager) pendingSnapshot() map[string]struct{} {
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	out := make(map[string]struct{}, len(m.pending))
	for k := range m.pending {
		out[k] = struct{}{}
	}
	return out
}

func (m *Manager) addPending(addr string) {
	m.pendingMu.Lock()
	m.pending[addr] = struct{}{}
	m.pendingMu.Unlock()
}

func (m *Manager) removePending(addr string) {
	m.pendingMu.Lock()
	delete(m.pending, addr)
	m.pendingMu.Unlock()
}

func isIPv6Addr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

func (m *Manager) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-m.events:
			m.handleEvent(evt)
		}
	}
}

// recordHandshake upserts the NodeInfo a successful handshake just
// proved, then resets failure/reachability state — the §4.3 contract
// that a peer's type, agent, version, and services are only trustworthy
// once a real handshake (not just gossip) has confirmed them.
func (m *Manager) recordHandshake(addr string, version *peer.Version) {
	now := time.Now()
	info := addrstore.NodeInfo{
		Addr:             addr,
		NodeType:         addrstore.Classify(version.UserAgent),
		UserAgent:        version.UserAgent,
		HasUserAgent:     true,
		Version:          version.ProtocolVersion,
		HasVersion:       true,
		Services:         uint64(version.Services),
		HasServices:      true,
		LastSeen:         now,
		LastConnected:    now,
		HasLastConnected: true,
		IsReachable:      true,
	}
	if _, err := m.store.InsertOrUpdate(info); err != nil {
		m.log.Debugw("relay: insert_or_update error", "addr", addr, "err", err)
		return
	}
	if err := m.store.MarkConnected(addr); err != nil {
		m.log.Debugw("relay: mark_connected error", "addr", addr, "err", err)
	}
}

func (m *Manager) handleEvent(evt peer.Event) {
	switch evt.Kind {
	case peer.EventConnected:
		m.log.Infow("relay: peer connected", "addr", evt.Addr, "user_agent", evt.Version.UserAgent)
		m.recordHandshake(evt.Addr, evt.Version)
		m.updatePeerCounts()

	case peer.EventDisconnected:
		m.log.Infow("relay: peer disconnected", "addr", evt.Addr, "reason", evt.Reason)
		m.removePeers([]string{evt.Addr})
		m.metrics.TotalDisconnections.Inc()
		if err := m.store.MarkFailed(evt.Addr); err != nil {
			m.log.Debugw("relay: mark_failed error", "addr", evt.Addr, "err", err)
		}
		m.updatePeerCounts()

	case peer.EventAddresses:
		m.log.Infow("relay: received addresses", "addr", evt.Addr, "count", len(evt.Addrs))
		m.metrics.AddrMessagesReceived.Inc()
		if m.discovery != nil {
			m.discovery.HandleNewAddresses(evt.Addrs)
		}

	case peer.EventMessage:
		m.dispatchMessage(evt.Addr, evt.Message)
	}
}

func (m *Manager) removePeers(stale []string) {
	if len(stale) == 0 {
		return
	}
	staleSet := make(map[string]struct{}, len(stale))
	for _, a := range stale {
		staleSet[a] = struct{}{}
	}

	m.peersMu.Lock()
	kept := m.peers[:0:0]
	removedAny := false
	for _, h := range m.peers {
		if _, drop := staleSet[h.Addr]; drop {
			removedAny = true
			continue
		}
		kept = append(kept, h)
	}
	m.peers = kept
	m.peersMu.Unlock()

	if removedAny {
		m.updatePeerCounts()
	}
}

// updatePeerCounts recomputes the per-type gauges and the unclassified
// agent label set from scratch, per C6's reset-then-set contract.
func (m *Manager) updatePeerCounts() {
	peers := m.Peers()

	counts := make(map[addrstore.NodeType]int64)
	unclassified := make(map[string]int64)

	for _, h := range peers {
		counts[h.NodeType]++
		if h.NodeType == addrstore.Other || h.NodeType == addrstore.Unknown {
			agent := h.UserAgent
			if agent == "" {
				agent = "<missing-user-agent>"
			}
			unclassified[agent]++
		}
	}

	m.metrics.UpdatePeerCounts(counts)
	m.metrics.UpdateUnclassifiedAgents(unclassified)
}

func (m *Manager) peerByAddr(addr string) (*peer.Handle, bool) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	for _, h := range m.peers {
		if h.Addr == addr {
			return h, true
		}
	}
	return nil, false
}

// sendTo pushes msg to addr's outbound queue. A false return means addr
// is not in the peer list, or the peer is stale (queue full) and has
// already been pruned.
func (m *Manager) sendTo(addr string, msg wire.Message) bool {
	handle, ok := m.peerByAddr(addr)
	if !ok {
		return false
	}
	if handle.Send(msg) {
		return true
	}
	m.log.Warnw("relay: outbound queue full, pruning stale peer", "addr", addr)
	m.removePeers([]string{addr})
	return false
}

// relayInv announces inv to every connected peer except the announcer
// and any Knots peer — the selective-relay policy that motivates this
// whole system.
func (m *Manager) relayInv(fromAddr string, inv *wire.MsgInv) {
	peers := m.Peers()
	var stale []string

	for _, h := range peers {
		if h.Addr == fromAddr {
			continue
		}
		if h.NodeType == addrstore.Knots {
			continue
		}
		if !h.Send(inv) {
			stale = append(stale, h.Addr)
		}
	}

	m.removePeers(stale)
}
