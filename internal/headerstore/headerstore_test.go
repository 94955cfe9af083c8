package headerstore

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T, n int) []*wire.BlockHeader {
	t.Helper()
	headers := make([]*wire.BlockHeader, 0, n)
	prev := *chaincfg.RegressionNetParams.GenesisHash
	for i := 0; i < n; i++ {
		h := &wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Nonce:     uint32(i + 1),
		}
		headers = append(headers, h)
		prev = h.BlockHash()
	}
	return headers
}

func TestNewSeedsGenesis(t *testing.T) {
	s := New(&chaincfg.RegressionNetParams)
	require.EqualValues(t, 0, s.BestHeight())
	require.True(t, s.HasBlock(*chaincfg.RegressionNetParams.GenesisHash))
}

func TestAcceptHeadersExtendsChain(t *testing.T) {
	s := New(&chaincfg.RegressionNetParams)
	chain := newTestChain(t, 5)

	require.NoError(t, s.AcceptHeaders(context.Background(), chain))
	require.EqualValues(t, 5, s.BestHeight())
	for _, h := range chain {
		require.True(t, s.HasBlock(h.BlockHash()))
	}
}

func TestAcceptHeadersRejectsUnconnected(t *testing.T) {
	s := New(&chaincfg.RegressionNetParams)
	orphan := &wire.BlockHeader{Version: 1, Nonce: 99}

	err := s.AcceptHeaders(context.Background(), []*wire.BlockHeader{orphan})
	require.ErrorIs(t, err, errUnconnectedHeader)
	require.EqualValues(t, 0, s.BestHeight())
}

func TestAcceptHeadersSkipsKnown(t *testing.T) {
	s := New(&chaincfg.RegressionNetParams)
	chain := newTestChain(t, 3)

	require.NoError(t, s.AcceptHeaders(context.Background(), chain))
	require.NoError(t, s.AcceptHeaders(context.Background(), chain))
	require.EqualValues(t, 3, s.BestHeight())
}

func TestLocatorIncludesGenesisOnce(t *testing.T) {
	s := New(&chaincfg.RegressionNetParams)
	chain := newTestChain(t, 30)
	require.NoError(t, s.AcceptHeaders(context.Background(), chain))

	locator := s.Locator()
	require.NotEmpty(t, locator)

	genesisHash := *chaincfg.RegressionNetParams.GenesisHash
	count := 0
	for _, h := range locator {
		if *h == genesisHash {
			count++
		}
	}
	require.Equal(t, 1, count, "genesis must appear exactly once in the locator")
	require.Equal(t, chain[len(chain)-1].BlockHash(), *locator[0], "locator must start at the tip")
}
