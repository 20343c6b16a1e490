// Package discovery seeds the address store from mainnet DNS seeds and
// periodically solicits gossip from a random sample of connected peers.
package discovery

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knotproof/knotproof/internal/addrstore"
	"github.com/knotproof/knotproof/internal/peer"
	"github.com/knotproof/knotproof/internal/telemetry"
)

// dnsSeeds are the hard-coded mainnet seed hosts consulted at startup.
var dnsSeeds = []string{
	"seed.bitcoin.sipa.be",
	"dnsseed.bluematt.me",
	"seed.bitcoinstats.com",
}

const (
	dnsSeedPort        = "8333"
	getAddrSampleSize  = 10
	pruneAge           = 7 * 24 * time.Hour
)

// PeerLister is satisfied by the relay manager: discovery reads the live
// peer list directly rather than going through the manager's event loop,
// matching the original's shared-reference ownership.
type PeerLister interface {
	Peers() []*peer.Handle
}

// Service runs DNS seeding and the periodic getaddr/prune cycle.
type Service struct {
	store   *addrstore.Store
	metrics *telemetry.Metrics
	peers   PeerLister
	log     *zap.SugaredLogger

	interval time.Duration
}

// New builds a discovery Service bound to the given store, metrics sink,
// and the manager's live peer list.
func New(store *addrstore.Store, metrics *telemetry.Metrics, peers PeerLister, interval time.Duration, log *zap.SugaredLogger) *Service {
	return &Service{store: store, metrics: metrics, peers: peers, interval: interval, log: log}
}

// Run seeds from DNS once, then ticks the discovery cycle until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	s.seedFromDNS(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle()
		}
	}
}

func (s *Service) seedFromDNS(ctx context.Context) {
	s.log.Infow("discovery: seeding addresses from DNS seeds")

	var totalNew int64
	group, groupCtx := errgroup.WithContext(ctx)
	results := make(chan int64, len(dnsSeeds))

	for _, seed := range dnsSeeds {
		seed := seed
		group.Go(func() error {
			resolver := net.DefaultResolver
			host := net.JoinHostPort(seed, dnsSeedPort)
			ips, err := resolver.LookupIPAddr(groupCtx, seed)
			if err != nil {
				s.log.Debugw("discovery: failed to resolve seed", "seed", host, "err", err)
				return nil
			}

			addrs := make([]string, 0, len(ips))
			for _, ip := range ips {
				addrs = append(addrs, net.JoinHostPort(ip.String(), dnsSeedPort))
			}
			newCount := s.storeAddrs(addrs)
			s.log.Infow("discovery: resolved seed", "seed", seed, "found", len(addrs), "new", newCount)
			results <- newCount
			return nil
		})
	}

	_ = group.Wait()
	close(results)
	for n := range results {
		totalNew += n
	}

	if totalNew > 0 {
		s.metrics.NodesDiscovered.Add(float64(totalNew))
	}
}

func (s *Service) runCycle() {
	s.log.Debugw("discovery: running discovery cycle")
	s.metrics.DiscoveryRuns.Inc()

	s.solicitGetAddr()
	s.pruneOld()
}

func (s *Service) solicitGetAddr() {
	peers := s.peers.Peers()
	order := rand.Perm(len(peers))

	sampled := 0
	for _, idx := range order {
		if sampled >= getAddrSampleSize {
			break
		}
		peers[idx].Send(wire.NewMsgGetAddr())
		sampled++
	}
}

func (s *Service) pruneOld() {
	cutoff := time.Now().Add(-pruneAge)
	pruned, err := s.store.PruneOld(cutoff)
	if err != nil {
		s.log.Debugw("discovery: failed to prune old nodes", "err", err)
		return
	}
	if pruned > 0 {
		s.log.Infow("discovery: pruned old unreachable nodes", "count", pruned)
		s.metrics.NodesPruned.Add(float64(pruned))
	}
}

// HandleNewAddresses ingests gossiped addresses forwarded by the manager:
// every public-address entry is upserted as Unknown and reachable.
func (s *Service) HandleNewAddresses(addrs []*wire.NetAddress) {
	var newCount int64

	for _, na := range addrs {
		if !isPublicAddr(na.IP) {
			continue
		}
		addr := net.JoinHostPort(na.IP.String(), portString(na.Port))
		wasNew, err := s.store.InsertOrUpdate(addrstore.NodeInfo{
			Addr:        addr,
			NodeType:    addrstore.Unknown,
			Services:    uint64(na.Services),
			HasServices: true,
			LastSeen:    time.Now(),
			IsReachable: true,
		})
		if err != nil {
			s.log.Debugw("discovery: failed to store discovered address", "addr", addr, "err", err)
			continue
		}
		if wasNew {
			newCount++
		}
	}

	if newCount > 0 {
		s.metrics.NodesDiscovered.Add(float64(newCount))
	}
}

func (s *Service) storeAddrs(addrs []string) int64 {
	var newCount int64
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil || !isPublicAddr(ip) {
			continue
		}

		wasNew, err := s.store.InsertOrUpdate(addrstore.NodeInfo{
			Addr:        addr,
			NodeType:    addrstore.Unknown,
			LastSeen:    time.Now(),
			IsReachable: true,
		})
		if err != nil {
			s.log.Debugw("discovery: failed to store DNS seed address", "addr", addr, "err", err)
			continue
		}
		if wasNew {
			newCount++
		}
	}
	return newCount
}

// documentationRanges are the IPv4 ranges reserved for documentation
// (RFC 5737), which the public-address predicate excludes alongside
// private, loopback, link-local, multicast, and broadcast addresses.
var documentationRanges = []net.IPNet{
	{IP: net.IPv4(192, 0, 2, 0), Mask: net.CIDRMask(24, 32)},
	{IP: net.IPv4(198, 51, 100, 0), Mask: net.CIDRMask(24, 32)},
	{IP: net.IPv4(203, 0, 113, 0), Mask: net.CIDRMask(24, 32)},
}

// isPublicAddr implements the public-address predicate: an IPv4 address
// that is not unspecified, private, loopback, link-local, multicast,
// broadcast, or documentation; or an IPv6 address that is not loopback,
// multicast, or unspecified.
func isPublicAddr(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return true
	}
	if ip4.IsPrivate() || ip4.IsLinkLocalUnicast() || ip4.Equal(net.IPv4bcast) {
		return false
	}
	for _, r := range documentationRanges {
		if r.Contains(ip4) {
			return false
		}
	}
	return true
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}
