package relay

import (
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/knotproof/knotproof/internal/addrstore"
)

// dispatchMessage implements C5.1: everything the manager does with a
// decoded message once the endpoint has surfaced it as a Message event.
func (m *Manager) dispatchMessage(fromAddr string, msg wire.Message) {
	switch v := msg.(type) {
	case *wire.MsgInv:
		m.handleInv(fromAddr, v)
	case *wire.MsgTx:
		m.handleTx(fromAddr, v)
	case *wire.MsgGetData:
		m.handleGetData(fromAddr, v)
	case *wire.MsgGetAddr:
		m.handleGetAddr(fromAddr)
	}
}

// handleInv requests data for any inventory entry whose key has not
// already been seen or requested, and answers with a single GetData.
func (m *Manager) handleInv(fromAddr string, inv *wire.MsgInv) {
	m.metrics.InvMessagesReceived.Add(float64(len(inv.InvList)))

	now := time.Now()
	items := make([]*wire.InvVect, 0, len(inv.InvList))

	for _, item := range inv.InvList {
		key, ok := inventoryKey(item)
		if !ok {
			continue
		}
		if m.state.MarkRequested(key, now) {
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		return
	}

	getData := wire.NewMsgGetData()
	getData.InvList = items
	m.sendTo(fromAddr, getData)
}

// handleTx accepts a newly-announced transaction exactly once and, only
// on first acceptance, relays its Inv onward to every non-Knots peer
// other than the announcer — the P6/P7 linearization point.
func (m *Manager) handleTx(fromAddr string, tx *wire.MsgTx) {
	txid := tx.TxHash()
	wtxid := tx.WitnessHash()

	isNew := m.state.AcceptTx(txid, wtxid, tx)
	if !isNew {
		return
	}

	sourceType := addrstore.Unknown
	if h, ok := m.peerByAddr(fromAddr); ok {
		sourceType = h.NodeType
	}

	m.metrics.TransactionsReceived.Inc()
	m.metrics.IncTransactionsReceivedFrom(sourceType)

	relayInv := wire.NewMsgInv()
	_ = relayInv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &txid))
	m.relayInv(fromAddr, relayInv)
}

// handleGetData answers inventory requests from whatever is already
// cached, counting each successful send toward transactions_relayed.
func (m *Manager) handleGetData(fromAddr string, req *wire.MsgGetData) {
	var sent uint64

	for _, item := range req.InvList {
		// Transaction/WitnessTransaction requests key by txid; a wtxid-relay
		// request keys by wtxid instead. Try both rather than branching on
		// inventory type, since both resolve to the same cached tx.
		tx, ok := m.state.GetTxByTxid(item.Hash)
		if !ok {
			tx, ok = m.state.GetTxByWtxid(item.Hash)
		}
		if !ok {
			continue
		}
		if m.sendTo(fromAddr, tx) {
			sent++
		}
	}

	if sent > 0 {
		m.metrics.TransactionsRelayed.Add(float64(sent))
	}
}

// handleGetAddr replies with up to getAddrResponseLimit random peer
// addresses, excluding the requester (P10).
func (m *Manager) handleGetAddr(fromAddr string) {
	m.metrics.GetAddrMessagesReceived.Inc()

	peers := m.Peers()
	candidates := make([]string, 0, len(peers))
	for _, h := range peers {
		if h.Addr == fromAddr {
			continue
		}
		candidates = append(candidates, h.Addr)
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > getAddrResponseLimit {
		candidates = candidates[:getAddrResponseLimit]
	}
	if len(candidates) == 0 {
		return
	}

	addrMsg := wire.NewMsgAddr()
	now := uint32(time.Now().Unix())
	for _, addr := range candidates {
		netAddr, err := parseNetAddress(addr, now)
		if err != nil {
			continue
		}
		_ = addrMsg.AddAddress(netAddr)
	}
	m.sendTo(fromAddr, addrMsg)
}

// inventoryKey extracts the 32-byte identifier the relay cares about;
// block and other non-tx inventory kinds have no key.
func inventoryKey(item *wire.InvVect) (chainhash.Hash, bool) {
	switch item.Type {
	case wire.InvTypeTx, wire.InvTypeWitnessTx:
		return item.Hash, true
	default:
		return chainhash.Hash{}, false
	}
}
