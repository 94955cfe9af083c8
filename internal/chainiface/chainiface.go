// Package chainiface declares the collaborator interfaces that the
// networking core depends on but does not implement: the wallet-facing
// chain store, the confidence table, and the outbound connector. Wiring
// a concrete wallet, block store, or key manager behind these is left to
// the embedder.
package chainiface

import (
	"context"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockLocator is re-exported for callers that only want the chain
// interfaces without reaching into wire directly.
type BlockLocator = wire.BlockLocator

// ChainStore is the wallet/chain side of header and block bookkeeping.
// Peer and PeerGroup call into it to build locators, learn the
// fast-catchup point, and hand off validated headers/filtered blocks.
// Implementations are expected to be safe for concurrent use; the
// networking core never serializes calls to a single ChainStore.
type ChainStore interface {
	// Locator returns the block locator to use for the next getheaders
	// or getblocks request.
	Locator() wire.BlockLocator

	// BestHeight returns the chain tip height known to this store.
	BestHeight() int32

	// FastCatchupTime returns the timestamp below which only headers
	// (not full blocks) need to be downloaded, per BIP-37 style
	// fast-catchup. A zero time means no fast-catchup: every block
	// must be fetched in full from genesis.
	FastCatchupTime() time.Time

	// HasBlock reports whether the block identified by hash has
	// already been committed to the store.
	HasBlock(hash chainhash.Hash) bool

	// AcceptHeaders appends a contiguous run of validated headers.
	// Returning an error is treated as a ChainStore-IO failure and
	// propagates to the caller rather than disconnecting the peer.
	AcceptHeaders(ctx context.Context, headers []*wire.BlockHeader) error

	// AcceptFilteredBlock delivers a reassembled filtered block: the
	// header, the set of matched transaction hashes from the merkle
	// proof, and the transactions themselves as they arrive.
	AcceptFilteredBlock(ctx context.Context, header *wire.BlockHeader, matched []chainhash.Hash, txs []*wire.MsgTx) error
}

// WalletSink receives transactions relevant to the wallet, whether they
// arrived standalone (mempool relay) or as part of a filtered block.
type WalletSink interface {
	// NotifyTransaction is called once per distinct transaction that
	// matched a Bloom filter or was explicitly requested.
	NotifyTransaction(ctx context.Context, tx *wire.MsgTx, blockHash *chainhash.Hash) error
}

// FilterProvider supplies the elements a wallet wants a remote peer's
// Bloom filter to match. PeerGroup's filter merger calls Elements on
// every registered provider and unions the results before setting the
// filter on each connected peer.
type FilterProvider interface {
	// Elements returns the raw byte strings (pubkey hashes, outpoints,
	// script data) this provider wants matched.
	Elements() [][]byte
}

// TxConfidenceTable tracks how many distinct peers have announced a
// given transaction and, for locally-originated broadcasts, how many
// have relayed it back. It is the propagation-counting ledger behind
// both inbound deduplication and outbound broadcast completion.
type TxConfidenceTable interface {
	// Seen records that addr announced hash and returns the updated
	// number of distinct announcing peers seen so far.
	Seen(hash chainhash.Hash, addr string) int

	// Confidence returns the current peer count for hash, or false if
	// the hash has never been observed.
	Confidence(hash chainhash.Hash) (int, bool)

	// MarkSelf seeds the table for a transaction the local node itself
	// broadcast, so that relaying peers increment an existing entry
	// instead of starting a fresh one.
	MarkSelf(hash chainhash.Hash)
}

// Connector performs the outbound TCP dial for a candidate peer
// address. It exists as an interface so tests can substitute an
// in-memory pipe instead of opening real sockets.
type Connector interface {
	Dial(ctx context.Context, addr net.Addr) (net.Conn, error)
}

// ConnectorFunc adapts a plain function to a Connector.
type ConnectorFunc func(ctx context.Context, addr net.Addr) (net.Conn, error)

func (f ConnectorFunc) Dial(ctx context.Context, addr net.Addr) (net.Conn, error) {
	return f(ctx, addr)
}
