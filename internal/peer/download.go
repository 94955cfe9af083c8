package peer

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// downloadState drives header-then-body chain synchronization against
// this peer: it issues getheaders with the chain store's locator,
// decides per-batch whether fast-catchup has been reached and bodies
// should start being requested, and suppresses duplicate getheaders
// requests while a batch is already in flight.
type downloadState struct {
	p *Peer

	mu               sync.Mutex
	headersMode      bool
	awaitingBatch    bool
	lastLocatorStart chainhash.Hash
}

func newDownloadState(p *Peer) *downloadState {
	return &downloadState{headersMode: true, p: p}
}

// StartSync issues the first getheaders request using the chain
// store's current locator. It is a no-op if ChainStore is nil, which
// is the case for peers used purely for broadcast or discovery.
func (d *downloadState) StartSync() error {
	if d.p.cfg.ChainStore == nil {
		return nil
	}
	return d.requestHeaders()
}

func (d *downloadState) requestHeaders() error {
	loc := d.p.cfg.ChainStore.Locator()

	d.mu.Lock()
	if d.awaitingBatch && len(loc) > 0 && loc[0] == d.lastLocatorStart {
		d.mu.Unlock()
		return nil
	}
	d.awaitingBatch = true
	if len(loc) > 0 {
		d.lastLocatorStart = loc[0]
	}
	d.mu.Unlock()

	msg := wire.NewMsgGetHeaders()
	msg.BlockLocatorHashes = loc
	return d.p.Send(msg)
}

func (d *downloadState) handleHeaders(m *wire.MsgHeaders) error {
	d.mu.Lock()
	d.awaitingBatch = false
	d.mu.Unlock()

	if d.p.cfg.ChainStore == nil || len(m.Headers) == 0 {
		return nil
	}

	if err := d.p.cfg.ChainStore.AcceptHeaders(nil, m.Headers); err != nil {
		return newChainStoreError(err)
	}

	catchup := d.p.cfg.ChainStore.FastCatchupTime()
	d.mu.Lock()
	stillHeadersOnly := d.headersMode
	d.mu.Unlock()

	// A zero catchup time never skips a header, so every body is fetched.
	var toFetch []*wire.InvVect
	for _, h := range m.Headers {
		if stillHeadersOnly && h.Timestamp.Before(catchup) {
			continue
		}
		hash := h.BlockHash()
		toFetch = append(toFetch, wire.NewInvVect(wire.InvTypeFilteredBlock, &hash))
	}
	if len(toFetch) > 0 {
		d.mu.Lock()
		d.headersMode = false
		d.mu.Unlock()

		if d.p.filter.enabled() {
			gd := wire.NewMsgGetData()
			for _, iv := range toFetch {
				_ = gd.AddInvVect(iv)
			}
			if err := d.p.Send(gd); err != nil {
				return err
			}
		} else {
			d.onBlockInv(toFetch)
		}
	}

	// A full batch (2000 headers is the network's per-message cap)
	// means there is likely more chain to fetch; request the next one.
	if len(m.Headers) == wire.MaxBlockHeadersPerMsg {
		return d.requestHeaders()
	}
	return nil
}

// onBlockInv requests full block bodies for invs the caller has
// already deduped against the download cap, used both for plain
// (non-filtered) sync and for new-tip announcements outside of sync.
func (d *downloadState) onBlockInv(invs []*wire.InvVect) {
	gd := wire.NewMsgGetData()
	for _, iv := range invs {
		plain := *iv
		plain.Type = wire.InvTypeBlock
		_ = gd.AddInvVect(&plain)
	}
	_ = d.p.Send(gd)
}
