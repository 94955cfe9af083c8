package peer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// rttWindowSize bounds the ping/pong round-trip ring buffer; only
// recent samples matter for liveness and throughput decisions upstream
// in PeerGroup's stall detector.
const rttWindowSize = 20

// pingState drives periodic liveness pings, answers incoming pings, and
// keeps a ring buffer of observed round-trip times. A peer with as
// many unanswered pings older than PingTimeout as the configured cap
// is considered unresponsive and disconnected.
type pingState struct {
	p *Peer

	mu          sync.Mutex
	outstanding map[uint64]time.Time
	waiters     map[uint64]chan time.Duration
	rtts        []time.Duration
	rttPos      int

	stopCh chan struct{}
	once   sync.Once
}

func newPingState(p *Peer) *pingState {
	return &pingState{
		p:           p,
		outstanding: make(map[uint64]time.Time),
		waiters:     make(map[uint64]chan time.Duration),
		rtts:        make([]time.Duration, 0, rttWindowSize),
		stopCh:      make(chan struct{}),
	}
}

func (s *pingState) start() {
	go s.loop()
}

func (s *pingState) stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *pingState) loop() {
	ticker := time.NewTicker(s.p.cfg.PingInterval)
	defer ticker.Stop()

	timeoutCheck := time.NewTicker(s.p.cfg.PingTimeout)
	defer timeoutCheck.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.pingNow()
		case <-timeoutCheck.C:
			if s.tooManyStalePings() {
				s.p.fail(FailureResourceOverflow, errPingTimeout)
				return
			}
		}
	}
}

var errPingTimeout = pingTimeoutErr{}

type pingTimeoutErr struct{}

func (pingTimeoutErr) Error() string { return "peer: too many outstanding pings" }

func (s *pingState) pingNow() error {
	nonce := rand.Uint64()

	s.mu.Lock()
	if len(s.outstanding) >= s.p.cfg.MaxOutstandingPings {
		s.mu.Unlock()
		return newResourceError("peer: outstanding ping cap reached")
	}
	s.outstanding[nonce] = time.Now()
	s.mu.Unlock()

	return s.p.Send(wire.NewMsgPing(nonce))
}

func (s *pingState) tooManyStalePings() bool {
	cutoff := time.Now().Add(-s.p.cfg.PingTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := 0
	for _, sentAt := range s.outstanding {
		if sentAt.Before(cutoff) {
			stale++
		}
	}
	return stale >= s.p.cfg.MaxOutstandingPings
}

func (s *pingState) handlePing(m *wire.MsgPing) error {
	return s.p.Send(wire.NewMsgPong(m.Nonce))
}

func (s *pingState) handlePong(m *wire.MsgPong) error {
	s.mu.Lock()
	sentAt, ok := s.outstanding[m.Nonce]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.outstanding, m.Nonce)

	rtt := time.Since(sentAt)
	if len(s.rtts) < rttWindowSize {
		s.rtts = append(s.rtts, rtt)
	} else {
		s.rtts[s.rttPos] = rtt
		s.rttPos = (s.rttPos + 1) % rttWindowSize
	}

	waiter, hasWaiter := s.waiters[m.Nonce]
	if hasWaiter {
		delete(s.waiters, m.Nonce)
	}
	s.mu.Unlock()

	if hasWaiter {
		waiter <- rtt
	}
	return nil
}

// ping sends a fresh ping and blocks until the matching pong arrives,
// ctx is cancelled, or the outstanding-ping cap is already reached. It
// is the synchronous counterpart to pingNow, which the background loop
// uses fire-and-forget.
func (s *pingState) ping(ctx context.Context) (time.Duration, error) {
	nonce := rand.Uint64()
	ch := make(chan time.Duration, 1)

	s.mu.Lock()
	if len(s.outstanding) >= s.p.cfg.MaxOutstandingPings {
		s.mu.Unlock()
		return 0, newResourceError("peer: outstanding ping cap reached")
	}
	s.outstanding[nonce] = time.Now()
	s.waiters[nonce] = ch
	s.mu.Unlock()

	if err := s.p.Send(wire.NewMsgPing(nonce)); err != nil {
		s.mu.Lock()
		delete(s.outstanding, nonce)
		delete(s.waiters, nonce)
		s.mu.Unlock()
		return 0, err
	}

	select {
	case rtt := <-ch:
		return rtt, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, nonce)
		s.mu.Unlock()
		return 0, ctx.Err()
	}
}

// RTTs returns a copy of the recent round-trip samples, oldest first.
func (s *pingState) RTTs() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.rtts))
	n := copy(out, s.rtts[s.rttPos:])
	copy(out[n:], s.rtts[:s.rttPos])
	return out
}
