package peer

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru"
)

// maxServable bounds how many locally-announced items a Peer will hold
// ready to serve on getdata. A long-lived peer that relays many
// broadcasts would otherwise grow this set without bound.
const maxServable = 2000

// invState tracks outstanding getdata requests this Peer has made for
// transactions and blocks, and the inventory we can serve back when the
// remote peer asks for something we ourselves announced (a broadcast).
type invState struct {
	p *Peer

	mu            sync.Mutex
	pendingTx     map[chainhash.Hash]struct{}
	pendingBlocks map[chainhash.Hash]struct{}
	servable      *lru.Cache
}

func newInvState(p *Peer) *invState {
	servable, err := lru.New(maxServable)
	if err != nil {
		// Only invalid (non-positive) sizes return an error, and
		// maxServable is a positive constant.
		panic(err)
	}
	return &invState{
		p:             p,
		pendingTx:     make(map[chainhash.Hash]struct{}),
		pendingBlocks: make(map[chainhash.Hash]struct{}),
		servable:      servable,
	}
}

// Announce registers msg as servable under hash and advertises it to
// the peer via inv, the first half of a local broadcast.
func (s *invState) Announce(hash chainhash.Hash, msg wire.Message) error {
	s.servable.Add(hash, msg)

	inv := wire.NewMsgInv()
	_ = inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash))
	return s.p.Send(inv)
}

func (s *invState) handleInv(m *wire.MsgInv) error {
	var txRequests, blockRequests []*wire.InvVect

	for _, iv := range m.InvList {
		switch iv.Type {
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			s.mu.Lock()
			_, known := s.pendingTx[iv.Hash]
			count := len(s.pendingTx)
			s.mu.Unlock()
			if known {
				continue
			}
			if count >= s.p.cfg.MaxPendingTxDownloads {
				return newResourceError("peer: pending tx download cap exceeded (%d)", count)
			}
			s.mu.Lock()
			s.pendingTx[iv.Hash] = struct{}{}
			s.mu.Unlock()
			txRequests = append(txRequests, iv)

		case wire.InvTypeBlock, wire.InvTypeFilteredBlock, wire.InvTypeWitnessBlock:
			if s.p.cfg.ChainStore != nil && s.p.cfg.ChainStore.HasBlock(iv.Hash) {
				continue
			}
			s.mu.Lock()
			_, known := s.pendingBlocks[iv.Hash]
			count := len(s.pendingBlocks)
			s.mu.Unlock()
			if known {
				continue
			}
			if count >= s.p.cfg.MaxPendingBlockDownloads {
				return newResourceError("peer: pending block download cap exceeded (%d)", count)
			}
			s.mu.Lock()
			s.pendingBlocks[iv.Hash] = struct{}{}
			s.mu.Unlock()
			blockRequests = append(blockRequests, iv)
		}
	}

	if len(txRequests) > 0 {
		gd := wire.NewMsgGetData()
		for _, iv := range txRequests {
			_ = gd.AddInvVect(iv)
		}
		if err := s.p.Send(gd); err != nil {
			return err
		}
	}

	if len(blockRequests) > 0 {
		// Filtered-block mode asks for merkleblock + matched tx; plain
		// header-sync mode leaves block bodies to the download state,
		// which issues its own getdata once it decides to fetch a body.
		if s.p.filter.enabled() {
			gd := wire.NewMsgGetData()
			for _, iv := range blockRequests {
				filtered := *iv
				filtered.Type = wire.InvTypeFilteredBlock
				_ = gd.AddInvVect(&filtered)
			}
			if err := s.p.Send(gd); err != nil {
				return err
			}
		} else {
			s.p.download.onBlockInv(blockRequests)
		}
	}

	return nil
}

func (s *invState) handleNotFound(m *wire.MsgNotFound) error {
	s.mu.Lock()
	for _, iv := range m.InvList {
		delete(s.pendingTx, iv.Hash)
		delete(s.pendingBlocks, iv.Hash)
	}
	s.mu.Unlock()

	// A notfound for a transaction we were chasing as part of a
	// dependency walk cancels that branch of the walk rather than
	// failing the whole reassembly.
	for _, iv := range m.InvList {
		s.p.cancelTxDependency(iv.Hash)
	}
	return nil
}

func (s *invState) handleGetData(m *wire.MsgGetData) error {
	for _, iv := range m.InvList {
		v, ok := s.servable.Get(iv.Hash)
		if !ok {
			continue
		}
		if err := s.p.Send(v.(wire.Message)); err != nil {
			return err
		}
	}
	return nil
}

func (s *invState) resolvedTx(hash chainhash.Hash) {
	s.mu.Lock()
	delete(s.pendingTx, hash)
	s.mu.Unlock()
}

func (s *invState) resolvedBlock(hash chainhash.Hash) {
	s.mu.Lock()
	delete(s.pendingBlocks, hash)
	s.mu.Unlock()
}
