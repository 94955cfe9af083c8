package peer

import (
	"sync"

	"github.com/btcsuite/btcd/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blocksprint/spvnet/internal/metrics"
)

// reassembly tracks one in-flight merkleblock/tx sequence: the header
// and matched-hash set declared by the merkleblock, and the subset of
// those transactions received so far.
type reassembly struct {
	header  *wire.BlockHeader
	want    map[chainhash.Hash]struct{}
	got     []*wire.MsgTx
}

// filterState owns the Bloom filter this peer was told to apply and
// the filtered-block reassembly pipeline that depends on it. When the
// filter is judged exhausted (more than falsePositiveBudget
// merkleblocks since the last load with no matched transaction; the
// filter's configured false-positive rate is not consulted) it stops
// trusting further merkleblocks until the wallet supplies a fresh one.
type filterState struct {
	p *Peer

	mu                  sync.Mutex
	filter              *bloom.Filter
	awaitingFreshFilter bool
	matchedSinceLoad     int
	blocksSinceLoad      int

	current *reassembly
}

func newFilterState(p *Peer) *filterState {
	return &filterState{p: p}
}

// SetFilterViaFilterState installs filter on this peer, the method
// PeerGroup's filter merger uses so it does not need to reach into
// Peer's unexported sub-state directly.
func (p *Peer) SetFilterViaFilterState(filter *bloom.Filter) error {
	return p.filter.SetFilter(filter)
}

func (f *filterState) enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter != nil && !f.awaitingFreshFilter
}

// falsePositiveBudget bounds how many merkleblocks may be processed
// against one filter load without a single matched transaction before
// it is considered exhausted and a fresh filter is required. Any match
// since the load keeps the filter trusted.
const falsePositiveBudget = 500

// SetFilter installs a new Bloom filter built from the union of every
// registered FilterProvider's elements, clears exhaustion state, and
// replays it to the peer via filterload. Any reassembly waiting on the
// previous filter is discarded since its matches are no longer valid.
func (f *filterState) SetFilter(filter *bloom.Filter) error {
	f.mu.Lock()
	f.filter = filter
	f.awaitingFreshFilter = false
	f.matchedSinceLoad = 0
	f.blocksSinceLoad = 0
	f.current = nil
	f.mu.Unlock()

	msg, err := filter.MsgFilterLoad()
	if err != nil {
		return newProtocolError("peer: building filterload: %v", err)
	}
	return f.p.Send(msg)
}

// AwaitingFreshFilter reports whether this peer's filter has been
// judged exhausted and is waiting for SetFilter to be called again
// before it will trust further merkleblock messages.
func (f *filterState) AwaitingFreshFilter() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.awaitingFreshFilter
}

func (f *filterState) handleMerkleBlock(m *wire.MsgMerkleBlock) error {
	f.mu.Lock()
	if f.filter == nil || f.awaitingFreshFilter {
		f.mu.Unlock()
		return nil
	}
	f.blocksSinceLoad++
	exhausted := f.blocksSinceLoad > falsePositiveBudget && f.matchedSinceLoad == 0
	if exhausted {
		f.awaitingFreshFilter = true
	}
	f.mu.Unlock()

	if exhausted {
		metrics.FilterExhaustions.Inc()
		// Ping/pong round trip lets the caller detect "filter
		// exhausted, no more blocks will be honored" without a
		// dedicated control message: once the pong for this ping
		// returns, any merkleblock in between is known stale.
		return f.p.ping.pingNow()
	}

	// btcd's wire.MsgMerkleBlock does not itself distinguish leaf
	// matches from internal nodes; Flags together with Hashes encode
	// the partial tree. Full proof verification is a ChainStore
	// concern per the external interfaces, so here we trust the
	// peer's declared transaction hashes and let the wallet/chain
	// layer re-verify against the header.
	want := make(map[chainhash.Hash]struct{}, len(m.Hashes))
	for _, h := range m.Hashes {
		want[*h] = struct{}{}
	}

	hdr := m.Header
	f.mu.Lock()
	if len(want) == 0 {
		f.mu.Unlock()
		return f.deliverFilteredBlock(&hdr, nil, nil)
	}
	f.current = &reassembly{header: &hdr, want: want}
	f.mu.Unlock()
	return nil
}

// onTx feeds a relayed transaction into any in-flight reassembly. It
// returns true if the transaction was consumed by reassembly (so the
// caller should not also treat it as a standalone mempool relay).
func (f *filterState) onTx(tx *wire.MsgTx) (consumed bool, err error) {
	f.mu.Lock()
	r := f.current
	if r == nil {
		f.mu.Unlock()
		return false, nil
	}
	hash := tx.TxHash()
	if _, ok := r.want[hash]; !ok {
		f.mu.Unlock()
		return false, nil
	}
	delete(r.want, hash)
	r.got = append(r.got, tx)
	f.matchedSinceLoad++
	done := len(r.want) == 0
	if done {
		f.current = nil
	}
	f.mu.Unlock()

	if done {
		matched := make([]chainhash.Hash, len(r.got))
		for i, t := range r.got {
			matched[i] = t.TxHash()
		}
		if err := f.deliverFilteredBlock(r.header, matched, r.got); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (f *filterState) deliverFilteredBlock(header *wire.BlockHeader, matched []chainhash.Hash, txs []*wire.MsgTx) error {
	if f.p.cfg.ChainStore == nil {
		return nil
	}
	if err := f.p.cfg.ChainStore.AcceptFilteredBlock(nil, header, matched, txs); err != nil {
		return newChainStoreError(err)
	}
	return nil
}
