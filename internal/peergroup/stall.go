package peergroup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blocksprint/spvnet/internal/metrics"
)

// stallDetector periodically samples every connected peer's recent
// ping/pong round trips. A peer that has produced zero round trips
// across StallPeriod, after a warmup window to let the handshake and
// first ping land, is disconnected as unresponsive. A group-wide
// running count of stall disconnects is tracked purely for observability;
// it does not itself change behavior.
type stallDetector struct {
	pg *PeerGroup

	mu           sync.Mutex
	lastRTTCount map[string]int
	connectedAt  map[string]time.Time
	stallTrips   int
}

func newStallDetector(pg *PeerGroup) *stallDetector {
	return &stallDetector{
		pg:           pg,
		lastRTTCount: make(map[string]int),
		connectedAt:  make(map[string]time.Time),
	}
}

const stallWarmup = 30 * time.Second

func (s *stallDetector) run(ctx context.Context) {
	period := s.pg.cfg.StallPeriod
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pg.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *stallDetector) sweep() {
	for _, p := range s.pg.Peers() {
		addr := p.Addr().String()

		s.mu.Lock()
		if _, ok := s.connectedAt[addr]; !ok {
			s.connectedAt[addr] = time.Now()
		}
		warmedUp := time.Since(s.connectedAt[addr]) > stallWarmup
		prevCount := s.lastRTTCount[addr]
		s.mu.Unlock()

		count := len(p.RTTSamples())

		s.mu.Lock()
		s.lastRTTCount[addr] = count
		s.mu.Unlock()

		if warmedUp && count == prevCount {
			s.mu.Lock()
			s.stallTrips++
			s.mu.Unlock()
			metrics.StallDisconnects.Inc()
			s.pg.cfg.Logger.Info("disconnecting stalled peer", zap.String("addr", addr))
			_ = p.Close()
		}
	}
}

// StallTrips returns how many times a peer has been disconnected for
// stalling since the group started.
func (s *stallDetector) StallTrips() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stallTrips
}
