// Package headerstore provides a minimal, in-memory chainiface.ChainStore
// suitable for running the networking core standalone (no external
// wallet or validating chain database wired in). It accepts headers
// and filtered blocks without validating proof-of-work or consensus
// rules beyond contiguity; a production deployment is expected to
// supply its own ChainStore backed by a real header database and hand
// it to peer.Config instead.
package headerstore

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blocksprint/spvnet/internal/chainiface"
)

type entry struct {
	header *wire.BlockHeader
	height int32
}

// Store is a simple append-only header chain keyed by block hash,
// indexed by height for locator construction.
type Store struct {
	params *chaincfg.Params

	mu      sync.RWMutex
	byHash  map[chainhash.Hash]*entry
	byIndex []chainhash.Hash // height -> hash, index 0 is genesis
}

// New seeds a Store with params' genesis block as height 0.
func New(params *chaincfg.Params) *Store {
	genesisHash := params.GenesisHash
	s := &Store{
		params: params,
		byHash: make(map[chainhash.Hash]*entry),
	}
	s.byHash[*genesisHash] = &entry{header: &params.GenesisBlock.Header, height: 0}
	s.byIndex = append(s.byIndex, *genesisHash)
	return s
}

var _ chainiface.ChainStore = (*Store)(nil)

// Locator returns a block locator built from the current tip, spacing
// entries exponentially further apart going back in height the same
// way wire.BlockLocator is conventionally constructed.
func (s *Store) Locator() wire.BlockLocator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var locator wire.BlockLocator
	step := 1
	height := len(s.byIndex) - 1
	lastAdded := chainhash.Hash{}
	for height >= 0 {
		h := s.byIndex[height]
		locator = append(locator, &h)
		lastAdded = h
		if len(locator) >= 10 {
			step *= 2
		}
		height -= step
	}
	if lastAdded != s.byIndex[0] {
		genesis := s.byIndex[0]
		locator = append(locator, &genesis)
	}
	return locator
}

// BestHeight returns the height of the current tip.
func (s *Store) BestHeight() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int32(len(s.byIndex) - 1)
}

// FastCatchupTime returns the zero time: without a wallet birthday
// configured, every block must be considered potentially relevant.
func (s *Store) FastCatchupTime() time.Time { return time.Time{} }

// HasBlock reports whether hash is already indexed.
func (s *Store) HasBlock(hash chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byHash[hash]
	return ok
}

// AcceptHeaders appends headers to the chain, skipping any already
// known, and rejecting a batch whose first unknown header does not
// connect to a header already in the store.
func (s *Store) AcceptHeaders(ctx context.Context, headers []*wire.BlockHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range headers {
		hash := h.BlockHash()
		if _, ok := s.byHash[hash]; ok {
			continue
		}
		parent, ok := s.byHash[h.PrevBlock]
		if !ok {
			return errUnconnectedHeader
		}
		e := &entry{header: h, height: parent.height + 1}
		s.byHash[hash] = e
		if int(e.height) == len(s.byIndex) {
			s.byIndex = append(s.byIndex, hash)
		}
	}
	return nil
}

// AcceptFilteredBlock is a no-op sink: a real embedder's ChainStore
// would persist matched transactions against the block here, but a
// standalone header store has nowhere to put them.
func (s *Store) AcceptFilteredBlock(ctx context.Context, header *wire.BlockHeader, matched []chainhash.Hash, txs []*wire.MsgTx) error {
	return nil
}

type unconnectedHeaderError struct{}

func (unconnectedHeaderError) Error() string { return "headerstore: header does not connect to a known parent" }

var errUnconnectedHeader = unconnectedHeaderError{}
