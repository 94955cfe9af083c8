package peergroup

import "github.com/blocksprint/spvnet/internal/txbroadcast"

// BroadcastPeers adapts the current ready-peer snapshot to
// txbroadcast.Fleet; *peer.Peer already satisfies txbroadcast.Broadcaster
// directly so no per-peer wrapping is needed.
func (pg *PeerGroup) BroadcastPeers() []txbroadcast.Broadcaster {
	peers := pg.Peers()
	out := make([]txbroadcast.Broadcaster, len(peers))
	for i, p := range peers {
		out[i] = p
	}
	return out
}
