package peergroup

import (
	"sync"

	"github.com/btcsuite/btcd/bloom"
	"golang.org/x/sync/singleflight"

	"github.com/blocksprint/spvnet/internal/chainiface"
	"github.com/blocksprint/spvnet/internal/metrics"
	"github.com/blocksprint/spvnet/internal/peer"
)

const (
	defaultFilterFPRate  = 0.0001
	defaultFilterTweak   = 0
)

// filterMerger unions every registered FilterProvider's elements into
// one Bloom filter and pushes it to every connected peer. Concurrent
// triggers (a new provider registering while a peer also just became
// ready) are collapsed via singleflight so the filter is rebuilt once
// per logical change rather than once per trigger.
type filterMerger struct {
	pg *PeerGroup

	mu        sync.Mutex
	providers []chainiface.FilterProvider
	fpRate    float64

	group singleflight.Group
}

func newFilterMerger(pg *PeerGroup) *filterMerger {
	return &filterMerger{pg: pg, fpRate: defaultFilterFPRate}
}

func (m *filterMerger) register(p chainiface.FilterProvider) {
	m.mu.Lock()
	m.providers = append(m.providers, p)
	m.mu.Unlock()

	m.recomputeAndApplyAll()
}

func (m *filterMerger) build() *bloom.Filter {
	m.mu.Lock()
	providers := append([]chainiface.FilterProvider(nil), m.providers...)
	fpRate := m.fpRate
	m.mu.Unlock()

	var elements [][]byte
	for _, p := range providers {
		elements = append(elements, p.Elements()...)
	}
	if len(elements) == 0 {
		// A Bloom filter must never be built for zero elements: a
		// provider can register before it has any keys, or every
		// registered provider can report an empty set. Floor at one
		// element so the filter stays well-formed instead of
		// degenerating to a zero-sized filter that matches nothing.
		elements = append(elements, make([]byte, 1))
	}

	filter := bloom.NewFilter(uint32(len(elements)), defaultFilterTweak, fpRate, bloom.BloomUpdateAll)
	for _, e := range elements {
		filter.Add(e)
	}
	return filter
}

// recomputeAndApplyAll rebuilds the merged filter and pushes it to
// every connected peer. It is safe to call concurrently.
func (m *filterMerger) recomputeAndApplyAll() {
	_, _, _ = m.group.Do("recompute", func() (interface{}, error) {
		filter := m.build()
		metrics.BloomFilterRecalculations.Inc()
		for _, p := range m.pg.Peers() {
			_ = p.SetFilterViaFilterState(filter)
		}
		return nil, nil
	})
}

// applyTo pushes the current merged filter to a single newly-ready
// peer, used right after it joins the fleet so it doesn't have to wait
// for the next provider registration to get filtered.
func (m *filterMerger) applyTo(p *peer.Peer) {
	m.mu.Lock()
	hasProviders := len(m.providers) > 0
	m.mu.Unlock()
	if !hasProviders {
		return
	}
	filter := m.build()
	_ = p.SetFilterViaFilterState(filter)
}
