// Package zmqfeed subscribes to a local Bitcoin Core's ZMQ publisher
// sockets (zmqpubhashtx, zmqpubhashblock) and feeds what it sees into
// the transaction confidence table and a block-announcement callback.
// It is a side channel, not a wire-protocol peer: useful when the
// embedding node also runs alongside a full node on localhost, letting
// it react to new mempool entries and blocks without waiting on P2P
// inv relay latency.
package zmqfeed

import (
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

const (
	topicHashTx    = "hashtx"
	topicHashBlock = "hashblock"

	// seenCacheSize bounds the recently-dispatched hash set used to
	// drop duplicates: Bitcoin Core re-publishes a hash on reconnect
	// and occasionally coalesces overlapping SUB deliveries.
	seenCacheSize = 4096
)

// Feed owns the ZMQ SUB socket and dispatches decoded hashes to
// registered callbacks.
type Feed struct {
	endpoint string
	logger   *zap.Logger

	onTxHash    func(chainhash.Hash)
	onBlockHash func(chainhash.Hash)

	mu      sync.Mutex
	socket  *zmq4.Socket
	stopped bool
	seen    *lru.Cache
}

// New constructs a Feed bound to endpoint (e.g. "tcp://127.0.0.1:28332").
// Subscription and socket creation happen in Run, not here, so
// construction never fails.
func New(endpoint string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{endpoint: endpoint, logger: logger, seen: lru.New(seenCacheSize)}
}

// OnTxHash registers the callback invoked for each announced mempool
// transaction hash.
func (f *Feed) OnTxHash(fn func(chainhash.Hash)) { f.onTxHash = fn }

// OnBlockHash registers the callback invoked for each announced block
// hash.
func (f *Feed) OnBlockHash(fn func(chainhash.Hash)) { f.onBlockHash = fn }

// Run connects, subscribes, and blocks processing messages until Stop
// is called. It returns nil on a clean Stop and a non-nil error if the
// socket could not be created or connected at all.
func (f *Feed) Run() error {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	if err := socket.Connect(f.endpoint); err != nil {
		socket.Close()
		return err
	}
	if err := socket.SetSubscribe(topicHashTx); err != nil {
		socket.Close()
		return err
	}
	if err := socket.SetSubscribe(topicHashBlock); err != nil {
		socket.Close()
		return err
	}

	f.mu.Lock()
	f.socket = socket
	f.mu.Unlock()

	f.logger.Info("zmqfeed connected", zap.String("endpoint", f.endpoint))

	for {
		f.mu.Lock()
		stopped := f.stopped
		f.mu.Unlock()
		if stopped {
			return nil
		}

		parts, err := socket.RecvMessageBytes(0)
		if err != nil {
			f.mu.Lock()
			stopped := f.stopped
			f.mu.Unlock()
			if stopped {
				return nil
			}
			f.logger.Warn("zmqfeed recv error", zap.Error(err))
			continue
		}
		if len(parts) < 2 {
			continue
		}
		f.dispatch(string(parts[0]), parts[1])
	}
}

func (f *Feed) dispatch(topic string, payload []byte) {
	hash, err := chainhash.NewHash(reverseCopy(payload))
	if err != nil {
		f.logger.Debug("zmqfeed malformed hash payload", zap.String("topic", topic), zap.Error(err))
		return
	}

	if f.seen.Contains(*hash) {
		return
	}
	f.seen.Add(*hash)

	switch {
	case strings.HasPrefix(topic, topicHashTx):
		if f.onTxHash != nil {
			f.onTxHash(*hash)
		}
	case strings.HasPrefix(topic, topicHashBlock):
		if f.onBlockHash != nil {
			f.onBlockHash(*hash)
		}
	}
}

// reverseCopy returns a byte-reversed copy of b. Bitcoin Core's
// zmqpubhashtx/zmqpubhashblock topics publish hashes in display
// (big-endian) order, while chainhash.NewHash expects internal
// (little-endian) order. Copying also avoids aliasing the ZMQ
// library's receive buffer.
func reverseCopy(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

// Stop closes the socket and unblocks Run.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	if f.socket != nil {
		f.socket.Close()
	}
}
