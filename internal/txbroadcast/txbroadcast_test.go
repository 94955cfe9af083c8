package txbroadcast

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	addr net.Addr
	sent chan *wire.MsgTx
}

func (f *fakePeer) Broadcast(tx *wire.MsgTx) error {
	f.sent <- tx
	return nil
}
func (f *fakePeer) Addr() net.Addr { return f.addr }

type fakeFleet struct{ peers []Broadcaster }

func (f fakeFleet) BroadcastPeers() []Broadcaster { return f.peers }

type fakeConfidence struct {
	mu    sync.Mutex
	count map[chainhash.Hash]int
}

func newFakeConfidence() *fakeConfidence {
	return &fakeConfidence{count: make(map[chainhash.Hash]int)}
}

func (c *fakeConfidence) Seen(hash chainhash.Hash, addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count[hash]++
	return c.count[hash]
}

func (c *fakeConfidence) Confidence(hash chainhash.Hash) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.count[hash]
	return n, ok
}

func (c *fakeConfidence) MarkSelf(hash chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.count[hash]; !ok {
		c.count[hash] = 0
	}
}

func TestBroadcastCompletesOnRelay(t *testing.T) {
	p1 := &fakePeer{addr: &net.TCPAddr{Port: 1}, sent: make(chan *wire.MsgTx, 1)}
	p2 := &fakePeer{addr: &net.TCPAddr{Port: 2}, sent: make(chan *wire.MsgTx, 1)}
	fleet := fakeFleet{peers: []Broadcaster{p1, p2}}
	confidence := newFakeConfidence()

	coord := New(fleet, confidence, Config{MinConnections: 1, Timeout: 2 * time.Second})

	tx := wire.NewMsgTx(wire.TxVersion)
	done := make(chan error, 1)
	go func() { done <- coord.Broadcast(context.Background(), tx) }()

	select {
	case <-p1.sent:
	case <-time.After(time.Second):
		t.Fatal("peer never received broadcast")
	}

	// Simulate the transaction being relayed back by one other peer.
	confidence.Seen(tx.TxHash(), "2.2.2.2:8333")

	require.NoError(t, <-done)
}

func TestBroadcastNoPeers(t *testing.T) {
	fleet := fakeFleet{}
	coord := New(fleet, newFakeConfidence(), Config{MinConnections: 1})
	err := coord.Broadcast(context.Background(), wire.NewMsgTx(wire.TxVersion))
	require.ErrorIs(t, err, ErrNoPeers)
}
