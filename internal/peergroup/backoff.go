package peergroup

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/btcsuite/btcd/wire"
)

func bitcoinWireNet(magic uint32) wire.BitcoinNet {
	return wire.BitcoinNet(magic)
}

// backoffManager tracks per-address exponential backoff plus a
// separate group-wide backoff applied when discovery itself is
// failing (no addresses coming back at all), so a dead DNS seed
// doesn't spin the connection driver in a tight loop.
type backoffManager struct {
	mu       sync.Mutex
	perAddr  map[string]*backoff.ExponentialBackOff
	nextTry  map[string]time.Time

	group       *backoff.ExponentialBackOff
	groupNextTry time.Time
}

func newBackoffManager() *backoffManager {
	group := newExpBackoff()
	group.MaxInterval = 10 * time.Second
	return &backoffManager{
		perAddr: make(map[string]*backoff.ExponentialBackOff),
		nextTry: make(map[string]time.Time),
		group:   group,
	}
}

func newExpBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0 // never give up entirely on a single address
	return b
}

func (m *backoffManager) ready(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Now().Before(m.groupNextTry) {
		return false
	}
	t, ok := m.nextTry[addr]
	return !ok || !time.Now().Before(t)
}

func (m *backoffManager) recordFailure(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.perAddr[addr]
	if !ok {
		b = newExpBackoff()
		m.perAddr[addr] = b
	}
	m.nextTry[addr] = time.Now().Add(b.NextBackOff())
}

func (m *backoffManager) recordSuccess(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perAddr, addr)
	delete(m.nextTry, addr)
	m.group.Reset()
	m.groupNextTry = time.Time{}
}

func (m *backoffManager) recordGroupFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupNextTry = time.Now().Add(m.group.NextBackOff())
}
