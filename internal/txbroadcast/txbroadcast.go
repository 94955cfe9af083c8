// Package txbroadcast implements the L4 single-transaction broadcast
// façade: announce a locally-originated transaction to a minimum
// number of connected peers, then wait for it to be relayed back by at
// least that many distinct peers (propagation-counting) before
// declaring the broadcast complete. Reject messages from peers are not
// observed here: a rejected transaction ends in ErrTimeout.
package txbroadcast

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/blocksprint/spvnet/internal/chainiface"
	"github.com/blocksprint/spvnet/internal/metrics"
)

// Broadcaster is the minimal surface txbroadcast needs from a
// connected peer: send the transaction and identify the connection for
// propagation counting. internal/peer.Peer satisfies this directly.
type Broadcaster interface {
	Broadcast(tx *wire.MsgTx) error
	Addr() net.Addr
}

// Fleet supplies the current set of connected, broadcast-capable
// peers. internal/peergroup.PeerGroup satisfies this via a thin
// adapter since its Peers() returns *peer.Peer, not this interface.
type Fleet interface {
	BroadcastPeers() []Broadcaster
}

// Config bundles the completion policy.
type Config struct {
	MinConnections int
	Timeout        time.Duration
	Logger         *zap.Logger
}

func (c *Config) setDefaults() {
	if c.MinConnections == 0 {
		c.MinConnections = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Coordinator runs broadcasts against a Fleet and a confidence table.
type Coordinator struct {
	cfg        Config
	fleet      Fleet
	confidence chainiface.TxConfidenceTable
}

func New(fleet Fleet, confidence chainiface.TxConfidenceTable, cfg Config) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{cfg: cfg, fleet: fleet, confidence: confidence}
}

// ErrRejected names an explicit rejection of the transaction by a
// peer. Broadcast never returns it, since reject messages are not
// routed to the Coordinator.
var ErrRejected = errors.New("txbroadcast: transaction rejected by a peer")

// ErrTimeout is returned when fewer than MinConnections peers relayed
// the transaction back before Config.Timeout elapsed.
var ErrTimeout = errors.New("txbroadcast: propagation timed out")

// ErrNoPeers is returned when there were not enough connected peers to
// even attempt the broadcast.
var ErrNoPeers = errors.New("txbroadcast: not enough connected peers")

// Broadcast announces tx to at least MinConnections peers, marks it
// SELF in the confidence table, and blocks until at least
// MinConnections peers have relayed it back (propagation-counting
// semantics: the broadcaster itself doesn't count), ctx is canceled,
// or the timeout elapses. A reject from a peer does not end the wait.
func (c *Coordinator) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	start := time.Now()
	peers := c.fleet.BroadcastPeers()
	if len(peers) < c.cfg.MinConnections {
		metrics.BroadcastOutcomes.WithLabelValues("no_peers").Inc()
		return ErrNoPeers
	}

	hash := tx.TxHash()
	c.confidence.MarkSelf(hash)

	var sent int
	var lastErr error
	for _, p := range peers {
		if err := p.Broadcast(tx); err != nil {
			lastErr = err
			c.cfg.Logger.Debug("broadcast send failed", zap.Stringer("peer", p.Addr()), zap.Error(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr == nil {
			lastErr = ErrNoPeers
		}
		metrics.BroadcastOutcomes.WithLabelValues("send_failed").Inc()
		return lastErr
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.BroadcastOutcomes.WithLabelValues("timeout").Inc()
			return ErrTimeout
		case <-ticker.C:
			// MarkSelf seeds the entry without counting toward
			// propagation; Confidence here is purely the number of
			// distinct peers that relayed the transaction back.
			count, _ := c.confidence.Confidence(hash)
			if count >= c.cfg.MinConnections {
				metrics.BroadcastPropagationSeconds.Observe(time.Since(start).Seconds())
				metrics.BroadcastOutcomes.WithLabelValues("propagated").Inc()
				return nil
			}
		}
	}
}
