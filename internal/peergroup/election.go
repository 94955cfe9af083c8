package peergroup

import "github.com/blocksprint/spvnet/internal/peer"

// electDownloadPeerIfNeeded elects the peer whose advertised best
// height is the mode (most common value) across all connected peers.
// Heights that are equally common are decided in favour of the higher
// height; among peers at the chosen height, the first one returned by
// Peers() is elected. A single download peer avoids redundant header
// fetches from every connection at once.
func (pg *PeerGroup) electDownloadPeerIfNeeded() {
	pg.downloadPeerMu.Lock()
	haveOne := pg.downloadPeer != nil
	pg.downloadPeerMu.Unlock()
	if haveOne {
		return
	}

	peers := pg.Peers()
	if len(peers) == 0 {
		return
	}

	counts := make(map[int32]int, len(peers))
	byHeight := make(map[int32]*peer.Peer, len(peers))
	for _, p := range peers {
		rv := p.RemoteVersion()
		if rv == nil {
			continue
		}
		h := rv.LastBlock
		counts[h]++
		if _, ok := byHeight[h]; !ok {
			byHeight[h] = p
		}
	}

	var bestHeight int32
	var bestCount int
	for h, c := range counts {
		if c > bestCount || (c == bestCount && h > bestHeight) {
			bestHeight = h
			bestCount = c
		}
	}
	if bestCount == 0 {
		return
	}

	pg.downloadPeerMu.Lock()
	pg.downloadPeer = byHeight[bestHeight]
	pg.downloadPeerMu.Unlock()
}

// DownloadPeer returns the currently elected download peer, or nil if
// none has been elected yet.
func (pg *PeerGroup) DownloadPeer() *peer.Peer {
	pg.downloadPeerMu.Lock()
	defer pg.downloadPeerMu.Unlock()
	return pg.downloadPeer
}
