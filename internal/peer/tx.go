package peer

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// txDeps tracks in-progress dependency-download walks: when a relayed
// transaction spends an input we have never seen, we chase that parent
// transaction from the same peer up to MaxTxDependencyDepth hops before
// giving up on resolving it.
type txDeps struct {
	mu    sync.Mutex
	depth map[chainhash.Hash]int
}

func newTxDeps() *txDeps {
	return &txDeps{depth: make(map[chainhash.Hash]int)}
}

func (p *Peer) handleTx(m *wire.MsgTx) error {
	hash := m.TxHash()
	p.inv.resolvedTx(hash)

	if consumed, err := p.filter.onTx(m); err != nil {
		return err
	} else if consumed {
		return nil
	}

	if p.cfg.Confidence != nil {
		p.cfg.Confidence.Seen(hash, p.addr.String())
	}

	if p.cfg.WalletSink != nil {
		if err := p.cfg.WalletSink.NotifyTransaction(context.Background(), m, nil); err != nil {
			return newChainStoreError(err)
		}
	}

	p.maybeChaseDependencies(m)
	return nil
}

// maybeChaseDependencies requests any parent transaction referenced by
// m's inputs that we have not already seen, bounded by
// MaxTxDependencyDepth so a long unconfirmed chain cannot be used to
// make a peer fetch unboundedly.
func (p *Peer) maybeChaseDependencies(m *wire.MsgTx) {
	if p.cfg.Confidence == nil {
		return
	}
	self := m.TxHash()
	p.txDepsOnce()

	p.deps.mu.Lock()
	depth := p.deps.depth[self]
	p.deps.mu.Unlock()
	if depth >= p.cfg.MaxTxDependencyDepth {
		return
	}

	var missing []*wire.InvVect
	for _, in := range m.TxIn {
		parent := in.PreviousOutPoint.Hash
		if _, ok := p.cfg.Confidence.Confidence(parent); ok {
			continue
		}
		p.deps.mu.Lock()
		if _, already := p.deps.depth[parent]; already {
			p.deps.mu.Unlock()
			continue
		}
		p.deps.depth[parent] = depth + 1
		p.deps.mu.Unlock()
		missing = append(missing, wire.NewInvVect(wire.InvTypeTx, &parent))
	}
	if len(missing) == 0 {
		return
	}
	gd := wire.NewMsgGetData()
	for _, iv := range missing {
		_ = gd.AddInvVect(iv)
	}
	_ = p.Send(gd)
}

func (p *Peer) txDepsOnce() {
	p.depsInitMu.Lock()
	defer p.depsInitMu.Unlock()
	if p.deps == nil {
		p.deps = newTxDeps()
	}
}

func (p *Peer) cancelTxDependency(hash chainhash.Hash) {
	if p.deps == nil {
		return
	}
	p.deps.mu.Lock()
	delete(p.deps.depth, hash)
	p.deps.mu.Unlock()
}

// Broadcast announces tx to this peer via inv and serves it on the
// subsequent getdata, the mechanism internal/txbroadcast uses to fan a
// locally-originated transaction out to connected peers.
func (p *Peer) Broadcast(tx *wire.MsgTx) error {
	if p.cfg.Confidence != nil {
		p.cfg.Confidence.MarkSelf(tx.TxHash())
	}
	return p.inv.Announce(tx.TxHash(), tx)
}

// Ping issues an out-of-band liveness ping and blocks until ctx is done
// or the pong arrives, letting callers probe a specific peer on demand
// rather than waiting for the periodic timer.
func (p *Peer) Ping(ctx context.Context) (time.Duration, error) {
	return p.ping.ping(ctx)
}
