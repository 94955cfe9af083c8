// Package confidence implements chainiface.TxConfidenceTable: a
// sharded, TTL-expiring map from transaction hash to the set of
// distinct peers that have announced it. It is the default backing
// store for both inbound relay deduplication and outbound broadcast
// propagation counting.
//
// Entries are sharded by hash prefix and expired by a background
// janitor goroutine; each entry holds the set of announcing peer
// addresses for one hash.
package confidence

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/blocksprint/spvnet/internal/metrics"
)

const defaultShardCount = 16

// Config controls TTL and sharding.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	ShardCount      int
}

func (c *Config) setDefaults() {
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.ShardCount <= 0 {
		c.ShardCount = defaultShardCount
	}
}

type entry struct {
	peers     map[string]struct{}
	self      bool
	expiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[chainhash.Hash]*entry
}

// Table is the default chainiface.TxConfidenceTable implementation.
type Table struct {
	cfg    Config
	shards []*shard
	logger *zap.Logger

	stop chan struct{}
	once sync.Once
}

// New builds a Table and starts its background janitor.
func New(cfg Config, logger *zap.Logger) *Table {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{items: make(map[chainhash.Hash]*entry)}
	}
	t := &Table{cfg: cfg, shards: shards, logger: logger, stop: make(chan struct{})}
	go t.janitor()
	return t
}

func (t *Table) shardFor(hash chainhash.Hash) *shard {
	return t.shards[uint8(hash[0])%uint8(len(t.shards))]
}

// Seen records addr as having announced hash and returns the updated
// number of distinct peers observed for it, per chainiface.TxConfidenceTable.
func (t *Table) Seen(hash chainhash.Hash, addr string) int {
	s := t.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[hash]
	if !ok {
		e = &entry{peers: make(map[string]struct{})}
		s.items[hash] = e
		metrics.ConfidenceTableSize.Inc()
	}
	e.peers[addr] = struct{}{}
	e.expiresAt = time.Now().Add(t.cfg.TTL)
	return len(e.peers)
}

// Confidence returns the number of distinct peers seen for hash.
func (t *Table) Confidence(hash chainhash.Hash) (int, bool) {
	s := t.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[hash]
	if !ok {
		return 0, false
	}
	return len(e.peers), true
}

// MarkSelf seeds an entry for a locally-originated broadcast so
// subsequent Seen calls from relaying peers accumulate against it.
func (t *Table) MarkSelf(hash chainhash.Hash) {
	s := t.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[hash]; !ok {
		s.items[hash] = &entry{peers: make(map[string]struct{}), self: true, expiresAt: time.Now().Add(t.cfg.TTL)}
		metrics.ConfidenceTableSize.Inc()
	}
}

// Stop halts the background janitor. Safe to call multiple times.
func (t *Table) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *Table) janitor() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Table) sweep() {
	now := time.Now()
	expired := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for h, e := range s.items {
			if now.After(e.expiresAt) {
				delete(s.items, h)
				expired++
			}
		}
		s.mu.Unlock()
	}
	if expired > 0 {
		metrics.ConfidenceTableExpirations.Add(float64(expired))
		metrics.ConfidenceTableSize.Sub(float64(expired))
		t.logger.Debug("confidence table cleanup", zap.Int("expired", expired))
	}
}
