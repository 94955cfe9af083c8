// Package diagnostics exposes the node's P2P state over HTTP: a JSON
// snapshot endpoint grounded in connection-attempt history, and a
// WebSocket stream that pushes the same events live as they happen.
package diagnostics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AttemptRecord holds one outbound connection attempt's outcome.
type AttemptRecord struct {
	Address          string        `json:"address"`
	Timestamp        time.Time     `json:"timestamp"`
	TCPSuccess       bool          `json:"tcp_success"`
	TCPError         string        `json:"tcp_error,omitempty"`
	HandshakeSuccess bool          `json:"handshake_success"`
	HandshakeError   string        `json:"handshake_error,omitempty"`
	ConnectLatency   time.Duration `json:"connect_latency,omitempty"`
}

const attemptBufferSize = 200

// PeerInfo is the read-only per-peer detail surfaced in the /status
// snapshot: address, advertised sub-version string, and observed
// round-trip latency, for operator visibility into the live fleet.
type PeerInfo struct {
	Address       string        `json:"address"`
	ClientVersion string        `json:"client_version"`
	Outbound      bool          `json:"outbound"`
	LastRTT       time.Duration `json:"last_rtt,omitempty"`
}

// Monitor accumulates a circular buffer of recent connection attempts
// and fans each one out to any subscribed WebSocket clients.
type Monitor struct {
	logger *zap.Logger

	mu       sync.RWMutex
	attempts []AttemptRecord
	peers    map[string]struct{}

	subMu sync.Mutex
	subs  map[chan AttemptRecord]struct{}

	peerListerMu sync.RWMutex
	peerLister   func() []PeerInfo
}

// SetPeerLister registers a callback the /status endpoint uses to
// enumerate the live, connected peer fleet with its per-peer
// sub-version and latency detail. PeerGroup has no notion of HTTP;
// the embedder wires this by passing something like
// func() []PeerInfo built from PeerGroup.Peers().
func (m *Monitor) SetPeerLister(fn func() []PeerInfo) {
	m.peerListerMu.Lock()
	m.peerLister = fn
	m.peerListerMu.Unlock()
}

func (m *Monitor) listPeers() []PeerInfo {
	m.peerListerMu.RLock()
	fn := m.peerLister
	m.peerListerMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// NewMonitor constructs an empty Monitor.
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger: logger,
		peers:  make(map[string]struct{}),
		subs:   make(map[chan AttemptRecord]struct{}),
	}
}

// ObserveAttempt implements peergroup.ConnectionObserver, adapting a
// PeerGroup connection attempt into an AttemptRecord.
func (m *Monitor) ObserveAttempt(addr string, success bool, err error) {
	rec := AttemptRecord{
		Address:          addr,
		Timestamp:        time.Now(),
		TCPSuccess:       true,
		HandshakeSuccess: success,
	}
	if err != nil {
		rec.HandshakeError = err.Error()
	}
	m.RecordAttempt(rec)
}

// RecordAttempt appends rec to the circular buffer and publishes it to
// subscribers.
func (m *Monitor) RecordAttempt(rec AttemptRecord) {
	m.mu.Lock()
	if len(m.attempts) >= attemptBufferSize {
		m.attempts = m.attempts[1:]
	}
	m.attempts = append(m.attempts, rec)
	if rec.HandshakeSuccess {
		m.peers[rec.Address] = struct{}{}
	} else {
		delete(m.peers, rec.Address)
	}
	m.mu.Unlock()

	m.publish(rec)
}

func (m *Monitor) publish(rec AttemptRecord) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- rec:
		default:
			// Slow subscriber; drop rather than block the attempt path.
		}
	}
}

func (m *Monitor) subscribe() chan AttemptRecord {
	ch := make(chan AttemptRecord, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Monitor) unsubscribe(ch chan AttemptRecord) {
	m.subMu.Lock()
	delete(m.subs, ch)
	m.subMu.Unlock()
	close(ch)
}

// Snapshot returns the current attempt history and connected peer set.
func (m *Monitor) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempts := make([]AttemptRecord, len(m.attempts))
	copy(attempts, m.attempts)

	peers := make([]string, 0, len(m.peers))
	for p := range m.peers {
		peers = append(peers, p)
	}

	return map[string]interface{}{
		"connection_attempts": attempts,
		"connected_peers":     peers,
		"peer_count":          len(peers),
		"peers":               m.listPeers(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router builds the HTTP handler: GET /status for a JSON snapshot,
// GET /events for a live WebSocket stream of attempt records, and
// GET /metrics for the process's Prometheus collectors.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", m.handleEvents).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.Snapshot()); err != nil {
		m.logger.Error("failed to encode diagnostics snapshot", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := m.subscribe()
	defer m.unsubscribe(ch)

	for rec := range ch {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}
}
