package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/blocksprint/spvnet/internal/bitcoinwire"
)

type stubChainStore struct{}

func (stubChainStore) Locator() wire.BlockLocator                  { return nil }
func (stubChainStore) BestHeight() int32                           { return 0 }
func (stubChainStore) FastCatchupTime() time.Time                  { return time.Time{} }
func (stubChainStore) HasBlock(chainhash.Hash) bool                { return false }
func (stubChainStore) AcceptHeaders(context.Context, []*wire.BlockHeader) error { return nil }
func (stubChainStore) AcceptFilteredBlock(context.Context, *wire.BlockHeader, []chainhash.Hash, []*wire.MsgTx) error {
	return nil
}

func pipePeers(t *testing.T) (*Peer, *Peer) {
	t.Helper()
	// A loopback TCP pair rather than net.Pipe: net.Pipe has no
	// buffering, so both sides writing verack at once would block.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c2 := <-accepted
	require.NotNil(t, c2)

	codec1 := bitcoinwire.New(c1, wire.TestNet3)
	codec2 := bitcoinwire.New(c2, wire.TestNet3)

	cfg := Config{
		UserAgent:   "/spvnet:0.1/",
		ChainStore:  stubChainStore{},
		PingInterval: time.Hour,
		PingTimeout:  time.Hour,
	}

	outbound := New(codec1, &net.TCPAddr{}, true, cfg)
	inbound := New(codec2, &net.TCPAddr{}, false, cfg)
	return outbound, inbound
}

func TestHandshakeHappyPath(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	out, in := pipePeers(t)

	errs := make(chan error, 2)
	go func() { errs <- in.Start(context.Background()) }()
	go func() { errs <- out.Start(context.Background()) }()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Equal(t, StateReady, out.State())
	require.Equal(t, StateReady, in.State())
}

func TestBlockHeightDifference(t *testing.T) {
	c1, _ := net.Pipe()
	codec := bitcoinwire.New(c1, wire.TestNet3)
	cfg := Config{ChainStore: stubChainStore{}}
	p := New(codec, &net.TCPAddr{}, true, cfg)

	require.Equal(t, int32(0), p.BlockHeightDifference())

	p.mu.Lock()
	p.remoteVersion = &wire.MsgVersion{LastBlock: 100}
	p.mu.Unlock()

	require.Equal(t, int32(100), p.BlockHeightDifference())
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	out, in := pipePeers(t)

	errs := make(chan error, 2)
	go func() { errs <- in.Start(context.Background()) }()
	go func() { errs <- out.Start(context.Background()) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rtt, err := out.Ping(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestPingTimesOutWithoutPong(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	codec := bitcoinwire.New(c1, wire.TestNet3)
	cfg := Config{ChainStore: stubChainStore{}, MaxOutstandingPings: 8}
	p := New(codec, &net.TCPAddr{}, true, cfg)
	p.setState(StateReady)

	// Drain the ping on the other end but never answer it with a pong.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := c2.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Ping(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDispatcherRunsOffCaller(t *testing.T) {
	d := NewPoolDispatcher(2)
	done := make(chan struct{})
	d.Dispatch(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatched function never ran")
	}
}
