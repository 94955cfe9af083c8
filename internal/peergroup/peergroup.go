// Package peergroup manages a fleet of internal/peer connections: it
// maintains a target connection count against a discovery source with
// exponential backoff, elects a download peer, detects and replaces
// stalled peers, merges wallet Bloom filters across every connected
// peer, and coordinates transaction broadcast propagation counting.
//
// PeerGroup's own mutex is never held while calling into a Peer; all
// cross-peer coordination happens by reading a momentary snapshot of
// the peer map and then operating on that snapshot outside the lock.
package peergroup

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/blocksprint/spvnet/internal/bitcoinwire"
	"github.com/blocksprint/spvnet/internal/chainiface"
	"github.com/blocksprint/spvnet/internal/discovery"
	"github.com/blocksprint/spvnet/internal/metrics"
	"github.com/blocksprint/spvnet/internal/peer"
)

// LifecycleState is PeerGroup's own state, separate from any
// individual Peer's handshake state.
type LifecycleState int32

const (
	StateNew LifecycleState = iota
	StateRunning
	StateStopped
)

// Config holds the fleet-wide policy knobs. Per-connection protocol
// parameters (user agent, ping interval, caps) live in PeerTemplate.
type Config struct {
	TargetConnections  int
	MaxPeersToDiscover int
	ConnectTimeout     time.Duration
	PreferLocalhost    bool

	StallPeriod time.Duration

	MinBroadcastConnections   int
	MinRequiredProtocolVersion uint32

	Discovery discovery.Source
	Connector chainiface.Connector
	Magic     uint32

	PeerTemplate peer.Config

	Logger *zap.Logger

	// Observer, if set, is notified of every outbound connection
	// attempt this PeerGroup makes. Optional; the diagnostics package's
	// Monitor satisfies it.
	Observer ConnectionObserver
}

// ConnectionObserver receives a record of every outbound connection
// attempt, success or failure, so a diagnostics surface can show live
// activity without PeerGroup depending on it directly.
type ConnectionObserver interface {
	ObserveAttempt(addr string, success bool, err error)
}

func (c *Config) setDefaults() {
	if c.TargetConnections == 0 {
		c.TargetConnections = 8
	}
	if c.MaxPeersToDiscover == 0 {
		c.MaxPeersToDiscover = 200
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 8 * time.Second
	}
	if c.StallPeriod == 0 {
		c.StallPeriod = 90 * time.Second
	}
	if c.MinBroadcastConnections == 0 {
		c.MinBroadcastConnections = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// PeerGroup is the L3 fleet scheduler described by the design notes.
type PeerGroup struct {
	cfg Config

	mu     sync.Mutex
	state  LifecycleState
	peers  map[string]*peer.Peer
	queue  []net.Addr

	backoffMgr *backoffManager

	downloadPeer   *peer.Peer
	downloadPeerMu sync.Mutex

	filters *filterMerger
	stall   *stallDetector

	discoveryBreaker *gobreaker.CircuitBreaker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a PeerGroup in StateNew; call Run to start the
// connection driver.
func New(cfg Config) *PeerGroup {
	cfg.setDefaults()
	pg := &PeerGroup{
		cfg:        cfg,
		peers:      make(map[string]*peer.Peer),
		backoffMgr: newBackoffManager(),
		stopCh:     make(chan struct{}),
	}
	pg.filters = newFilterMerger(pg)
	pg.stall = newStallDetector(pg)
	pg.discoveryBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peergroup-discovery",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("discovery circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return pg
}

func (pg *PeerGroup) State() LifecycleState {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.state
}

// Run starts the connection driver and blocks until ctx is canceled or
// Stop is called. It is an error to call Run twice.
func (pg *PeerGroup) Run(ctx context.Context) error {
	pg.mu.Lock()
	if pg.state != StateNew {
		pg.mu.Unlock()
		return fmt.Errorf("peergroup: already started")
	}
	pg.state = StateRunning
	pg.mu.Unlock()

	pg.wg.Add(2)
	go func() { defer pg.wg.Done(); pg.connectionDriver(ctx) }()
	go func() { defer pg.wg.Done(); pg.stall.run(ctx) }()

	select {
	case <-ctx.Done():
	case <-pg.stopCh:
	}

	pg.mu.Lock()
	pg.state = StateStopped
	pg.mu.Unlock()

	pg.wg.Wait()
	pg.disconnectAll()
	return nil
}

// Stop requests the connection driver and stall detector to exit and
// disconnects every connected peer. It is safe to call multiple times.
func (pg *PeerGroup) Stop() {
	pg.mu.Lock()
	if pg.state == StateStopped {
		pg.mu.Unlock()
		return
	}
	pg.mu.Unlock()
	select {
	case <-pg.stopCh:
	default:
		close(pg.stopCh)
	}
}

func (pg *PeerGroup) disconnectAll() {
	pg.mu.Lock()
	snapshot := make([]*peer.Peer, 0, len(pg.peers))
	for _, p := range pg.peers {
		snapshot = append(snapshot, p)
	}
	pg.peers = make(map[string]*peer.Peer)
	pg.mu.Unlock()

	for _, p := range snapshot {
		_ = p.Close()
	}
}

// Peers returns a snapshot slice of currently ready peers.
func (pg *PeerGroup) Peers() []*peer.Peer {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	out := make([]*peer.Peer, 0, len(pg.peers))
	for _, p := range pg.peers {
		out = append(out, p)
	}
	return out
}

// connectionDriver keeps the connected count at TargetConnections by
// popping addresses off the inactive queue (refilling it from
// Discovery when empty) and dialing with per-address backoff applied.
func (pg *PeerGroup) connectionDriver(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pg.stopCh:
			return
		case <-ticker.C:
		}

		pg.mu.Lock()
		need := pg.cfg.TargetConnections - len(pg.peers)
		pg.mu.Unlock()
		if need <= 0 {
			continue
		}

		addr := pg.nextAddr(ctx)
		if addr == nil {
			continue
		}
		go pg.dialOne(ctx, addr)
	}
}

func (pg *PeerGroup) nextAddr(ctx context.Context) net.Addr {
	if pg.cfg.PreferLocalhost {
		if a := pg.tryLocalhost(); a != nil {
			return a
		}
	}

	pg.mu.Lock()
	if len(pg.queue) == 0 {
		pg.mu.Unlock()
		pg.refillQueue(ctx)
		pg.mu.Lock()
	}
	if len(pg.queue) == 0 {
		pg.mu.Unlock()
		return nil
	}
	addr := pg.queue[0]
	pg.queue = pg.queue[1:]
	pg.mu.Unlock()

	if !pg.backoffMgr.ready(addr.String()) {
		return nil
	}
	return addr
}

func (pg *PeerGroup) tryLocalhost() net.Addr {
	// No connection to a local node is attempted: this always returns
	// nil, so the prefer-localhost setting has no effect on which
	// address is dialed.
	return nil
}

func (pg *PeerGroup) refillQueue(ctx context.Context) {
	if pg.cfg.Discovery == nil {
		return
	}
	result, err := pg.discoveryBreaker.Execute(func() (interface{}, error) {
		return pg.cfg.Discovery.Discover(ctx)
	})
	if err != nil {
		pg.backoffMgr.recordGroupFailure()
		metrics.DiscoveryRounds.WithLabelValues("failure").Inc()
		pg.cfg.Logger.Warn("discovery failed", zap.Error(err))
		return
	}
	metrics.DiscoveryRounds.WithLabelValues("success").Inc()
	addrs := result.([]net.Addr)
	if len(addrs) > pg.cfg.MaxPeersToDiscover {
		addrs = addrs[:pg.cfg.MaxPeersToDiscover]
	}
	pg.mu.Lock()
	pg.queue = append(pg.queue, addrs...)
	pg.mu.Unlock()
}

func (pg *PeerGroup) dialOne(ctx context.Context, addr net.Addr) {
	dialCtx, cancel := context.WithTimeout(ctx, pg.cfg.ConnectTimeout)
	defer cancel()

	conn, err := pg.cfg.Connector.Dial(dialCtx, addr)
	if err != nil {
		pg.backoffMgr.recordFailure(addr.String())
		pg.cfg.Logger.Debug("dial failed", zap.String("addr", addr.String()), zap.Error(err))
		pg.observeAttempt(addr.String(), false, err)
		return
	}

	codec := bitcoinwire.New(conn, bitcoinWireNet(pg.cfg.Magic))
	pcfg := pg.cfg.PeerTemplate
	pcfg.Logger = pg.cfg.Logger
	p := peer.New(codec, addr, true, pcfg)

	p.OnReady(func() { pg.onPeerReady(p) })
	p.OnFailure(func(kind peer.FailureKind, err error) { pg.onPeerFailure(p, addr, kind, err) })

	if err := p.Start(dialCtx); err != nil {
		pg.backoffMgr.recordFailure(addr.String())
		metrics.PeerHandshakeFailures.WithLabelValues("handshake").Inc()
		pg.observeAttempt(addr.String(), false, err)
		return
	}
	pg.observeAttempt(addr.String(), true, nil)
}

func (pg *PeerGroup) observeAttempt(addr string, success bool, err error) {
	if pg.cfg.Observer != nil {
		pg.cfg.Observer.ObserveAttempt(addr, success, err)
	}
}

func (pg *PeerGroup) onPeerReady(p *peer.Peer) {
	if pg.cfg.MinRequiredProtocolVersion > 0 {
		if rv := p.RemoteVersion(); rv == nil || uint32(rv.ProtocolVersion) < pg.cfg.MinRequiredProtocolVersion {
			pg.cfg.Logger.Debug("dropping peer below minimum protocol version", zap.String("addr", p.Addr().String()))
			_ = p.Close()
			return
		}
	}

	pg.backoffMgr.recordSuccess(p.Addr().String())

	pg.mu.Lock()
	pg.peers[p.Addr().String()] = p
	count := len(pg.peers)
	pg.mu.Unlock()

	metrics.ConnectedPeers.Set(float64(count))

	pg.electDownloadPeerIfNeeded()
	pg.filters.applyTo(p)
}

func (pg *PeerGroup) onPeerFailure(p *peer.Peer, addr net.Addr, kind peer.FailureKind, err error) {
	pg.mu.Lock()
	delete(pg.peers, addr.String())
	count := len(pg.peers)
	pg.mu.Unlock()

	metrics.ConnectedPeers.Set(float64(count))
	metrics.PeerDisconnects.WithLabelValues(peerFailureKindLabel(kind)).Inc()

	pg.downloadPeerMu.Lock()
	if pg.downloadPeer == p {
		pg.downloadPeer = nil
	}
	pg.downloadPeerMu.Unlock()

	pg.cfg.Logger.Debug("peer disconnected", zap.String("addr", addr.String()), zap.Int("kind", int(kind)), zap.Error(err))
	pg.electDownloadPeerIfNeeded()
}

func peerFailureKindLabel(kind peer.FailureKind) string {
	switch kind {
	case peer.FailureNone:
		return "none"
	case peer.FailureProtocol:
		return "protocol"
	case peer.FailureVerification:
		return "verification"
	case peer.FailureTransport:
		return "transport"
	case peer.FailureChainStoreIO:
		return "chainstore_io"
	case peer.FailureResourceOverflow:
		return "resource_overflow"
	default:
		return "unknown"
	}
}

// RegisterFilterProvider adds prov to the set unioned into every
// connected peer's Bloom filter, and immediately recomputes and
// reapplies the merged filter.
func (pg *PeerGroup) RegisterFilterProvider(prov chainiface.FilterProvider) {
	pg.filters.register(prov)
}
