package peergroup

import (
	"net"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/blocksprint/spvnet/internal/bitcoinwire"
	"github.com/blocksprint/spvnet/internal/peer"
)

func readyPeerWithHeight(t *testing.T, height int32) *peer.Peer {
	t.Helper()
	c1, _ := net.Pipe()
	codec := bitcoinwire.New(c1, wire.TestNet3)
	p := peer.New(codec, &net.TCPAddr{}, true, peer.Config{})
	p.SetRemoteVersionForTest(&wire.MsgVersion{LastBlock: height})
	return p
}

func TestElectDownloadPeerPicksMode(t *testing.T) {
	pg := New(Config{})
	pg.peers["a"] = readyPeerWithHeight(t, 100)
	pg.peers["b"] = readyPeerWithHeight(t, 200)
	pg.peers["c"] = readyPeerWithHeight(t, 200)

	pg.electDownloadPeerIfNeeded()
	require.NotNil(t, pg.DownloadPeer())
	require.Equal(t, int32(200), pg.DownloadPeer().RemoteVersion().LastBlock)
}
