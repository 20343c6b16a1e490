// Package relay implements the peer manager: the outbound filler, the
// inbound listener, the event fan-in loop, and the selective relay policy
// that refuses to re-announce transactions to Knots peers.
package relay

import (
	"container/list"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// seenKeysLimit bounds the FIFO set of txids/wtxids already observed.
	seenKeysLimit = 100_000
	// txCacheLimit bounds the full-transaction cache used to answer getdata.
	txCacheLimit = 20_000
	// requestedKeyTTL is how long an outstanding getdata request suppresses
	// a duplicate request for the same key.
	requestedKeyTTL = 120 * time.Second
)

// State is the single lock-guarded aggregate described for C5: the
// seen-set, the in-flight request table, and the transaction cache with
// its wtxid index. The insert/announce step for a given key must be
// atomic, so every accessor takes the same mutex rather than one per
// field.
type State struct {
	mu sync.Mutex

	seen      map[chainhash.Hash]struct{}
	seenOrder *list.List // of chainhash.Hash, oldest first

	requested map[chainhash.Hash]time.Time

	txCache    *lru.Cache // chainhash.Hash (txid) -> *wire.MsgTx
	wtxidIndex map[chainhash.Hash]chainhash.Hash
}

// NewState builds an empty RelayState with its caches wired together so
// tx_cache eviction keeps wtxid_index consistent, per the data-model
// invariant.
func NewState() *State {
	s := &State{
		seen:       make(map[chainhash.Hash]struct{}),
		seenOrder:  list.New(),
		requested:  make(map[chainhash.Hash]time.Time),
		wtxidIndex: make(map[chainhash.Hash]chainhash.Hash),
	}

	cache, err := lru.NewWithEvict(txCacheLimit, func(key interface{}, _ interface{}) {
		txid := key.(chainhash.Hash)
		for wtxid, mapped := range s.wtxidIndex {
			if mapped == txid {
				delete(s.wtxidIndex, wtxid)
			}
		}
	})
	if err != nil {
		// Only returns an error for a non-positive size, which txCacheLimit
		// never is.
		panic(err)
	}
	s.txCache = cache

	return s
}

// MarkRequested records key as in-flight unless it has already been seen
// or is already outstanding. It returns true iff the caller should issue
// a getdata for this key. Expired entries are garbage-collected first.
func (s *State) MarkRequested(key chainhash.Hash, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gcRequestedLocked(now)

	if _, seen := s.seen[key]; seen {
		return false
	}
	if _, outstanding := s.requested[key]; outstanding {
		return false
	}
	s.requested[key] = now
	return true
}

func (s *State) gcRequestedLocked(now time.Time) {
	for key, at := range s.requested {
		if now.Sub(at) >= requestedKeyTTL {
			delete(s.requested, key)
		}
	}
}

// CompleteRequest clears key from the in-flight table, typically because
// the corresponding Tx arrived.
func (s *State) CompleteRequest(key chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requested, key)
}

// MarkSeen inserts key into the seen set, evicting the oldest entry once
// the set exceeds seenKeysLimit. Returns true iff key was not already
// present — the linearization point for "first observation of a tx".
func (s *State) MarkSeen(key chainhash.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markSeenLocked(key)
}

func (s *State) markSeenLocked(key chainhash.Hash) bool {
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.seenOrder.PushBack(key)
	for s.seenOrder.Len() > seenKeysLimit {
		oldest := s.seenOrder.Remove(s.seenOrder.Front()).(chainhash.Hash)
		delete(s.seen, oldest)
	}
	return true
}

// AcceptTx is the atomic step the Tx handler needs: clear both keys from
// requested, mark both seen, and — only if the txid is newly seen — cache
// the full transaction and index its wtxid. Returns whether the tx was
// newly seen (the relay decision hinges on this).
func (s *State) AcceptTx(txid, wtxid chainhash.Hash, tx *wire.MsgTx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.requested, txid)
	delete(s.requested, wtxid)

	isNew := s.markSeenLocked(txid)
	s.markSeenLocked(wtxid)

	if isNew {
		s.txCache.Add(txid, tx)
		s.wtxidIndex[wtxid] = txid
	}
	return isNew
}

// GetTxByTxid returns the cached transaction for txid, if any.
func (s *State) GetTxByTxid(txid chainhash.Hash) (*wire.MsgTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTxByTxidLocked(txid)
}

func (s *State) getTxByTxidLocked(txid chainhash.Hash) (*wire.MsgTx, bool) {
	v, ok := s.txCache.Get(txid)
	if !ok {
		return nil, false
	}
	return v.(*wire.MsgTx), true
}

// GetTxByWtxid resolves wtxid to its txid and then to the cached
// transaction.
func (s *State) GetTxByWtxid(wtxid chainhash.Hash) (*wire.MsgTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txid, ok := s.wtxidIndex[wtxid]
	if !ok {
		return nil, false
	}
	return s.getTxByTxidLocked(txid)
}
