package confidence

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestSeenAccumulatesDistinctPeers(t *testing.T) {
	tbl := New(Config{TTL: time.Minute}, nil)
	defer tbl.Stop()

	var hash chainhash.Hash
	hash[0] = 1

	require.Equal(t, 1, tbl.Seen(hash, "a"))
	require.Equal(t, 2, tbl.Seen(hash, "b"))
	require.Equal(t, 2, tbl.Seen(hash, "a")) // same peer again, no growth

	count, ok := tbl.Confidence(hash)
	require.True(t, ok)
	require.Equal(t, 2, count)
}

func TestMarkSelfThenSeen(t *testing.T) {
	tbl := New(Config{TTL: time.Minute}, nil)
	defer tbl.Stop()

	var hash chainhash.Hash
	hash[0] = 2

	tbl.MarkSelf(hash)
	count, ok := tbl.Confidence(hash)
	require.True(t, ok)
	require.Equal(t, 0, count)

	tbl.Seen(hash, "relay-peer")
	count, _ = tbl.Confidence(hash)
	require.Equal(t, 1, count)
}

func TestExpiry(t *testing.T) {
	tbl := New(Config{TTL: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, nil)
	defer tbl.Stop()

	var hash chainhash.Hash
	hash[0] = 3
	tbl.Seen(hash, "x")

	time.Sleep(50 * time.Millisecond)
	_, ok := tbl.Confidence(hash)
	require.False(t, ok)
}
