// Package peer implements the per-connection Bitcoin P2P state machine:
// handshake, chain download, filtered-block reassembly, transaction
// relay with dependency walking, and ping/pong liveness. It speaks wire
// messages framed by internal/bitcoinwire and reports results through
// the collaborator interfaces in internal/chainiface. A Peer never
// reconnects itself; PeerGroup owns retry and backoff policy.
package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/blocksprint/spvnet/internal/bitcoinwire"
	"github.com/blocksprint/spvnet/internal/chainiface"
)

// State is a Peer's position in the handshake/lifecycle state machine.
type State int32

const (
	StateOpen State = iota
	StateVersionSent
	StateBothVersionsExchanged
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateVersionSent:
		return "version_sent"
	case StateBothVersionsExchanged:
		return "both_versions_exchanged"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher runs fn, either inline or on a worker pool. PeerGroup
// supplies the implementation; Peer never assumes anything about the
// calling goroutine of its callbacks beyond what Dispatcher promises.
type Dispatcher interface {
	Dispatch(fn func())
}

// SameGoroutineDispatcher runs fn synchronously on the calling
// goroutine. It is the default for tests and single-peer embeddings.
type SameGoroutineDispatcher struct{}

func (SameGoroutineDispatcher) Dispatch(fn func()) { fn() }

// PoolDispatcher submits fn to a bounded worker pool instead of running
// it inline, so a slow callback (e.g. a ChainStore write) cannot stall
// the Peer's own read loop. Submissions beyond the pool's capacity
// block the caller rather than spawning unbounded goroutines.
type PoolDispatcher struct {
	sem chan struct{}
}

// NewPoolDispatcher returns a PoolDispatcher that runs at most
// concurrency callbacks at once.
func NewPoolDispatcher(concurrency int) *PoolDispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PoolDispatcher{sem: make(chan struct{}, concurrency)}
}

func (d *PoolDispatcher) Dispatch(fn func()) {
	d.sem <- struct{}{}
	go func() {
		defer func() { <-d.sem }()
		fn()
	}()
}

// FailureKind classifies why a Peer stopped, matching the taxonomy in the
// design notes: a Protocol violation is always fatal, Verification
// failures are logged and otherwise ignored, Transport errors and
// Resource overflows both end the connection but are not the remote
// peer's fault in the same way a protocol violation is.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureProtocol
	FailureVerification
	FailureTransport
	FailureChainStoreIO
	FailureResourceOverflow
)

// ErrSelfConnection is returned from the handshake when the remote
// peer's version message carries the nonce we generated for our own
// outbound version, meaning we dialed ourselves.
var ErrSelfConnection = errors.New("peer: connected to self")

var (
	ErrNotReady      = errors.New("peer: not ready")
	ErrAlreadyClosed = errors.New("peer: already closed")
)

// Config bundles the fixed, rarely-changed parameters a Peer needs at
// construction. Per-peer runtime state lives on the Peer itself.
type Config struct {
	ChainParams *chaincfg.Params
	UserAgent   string
	Services    wire.ServiceFlag

	ProtocolVersion uint32

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MaxOutstandingPings int

	MaxPendingTxDownloads    int
	MaxPendingBlockDownloads int
	MaxTxDependencyDepth     int

	Dispatcher Dispatcher
	Logger     *zap.Logger

	ChainStore chainiface.ChainStore
	WalletSink chainiface.WalletSink
	Confidence chainiface.TxConfidenceTable
}

func (c *Config) setDefaults() {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = wire.ProtocolVersion
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 30 * time.Second
	}
	if c.MaxOutstandingPings == 0 {
		c.MaxOutstandingPings = 4
	}
	if c.MaxPendingTxDownloads == 0 {
		c.MaxPendingTxDownloads = 5000
	}
	if c.MaxPendingBlockDownloads == 0 {
		c.MaxPendingBlockDownloads = 1024
	}
	if c.MaxTxDependencyDepth == 0 {
		c.MaxTxDependencyDepth = 5
	}
	if c.Dispatcher == nil {
		c.Dispatcher = SameGoroutineDispatcher{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Peer is one connection's worth of Bitcoin P2P protocol state. It is
// safe for concurrent use: Start launches the read loop on its own
// goroutine, and public methods may be called from any goroutine.
type Peer struct {
	cfg    Config
	codec  *bitcoinwire.Codec
	addr   net.Addr
	nonce  uint64

	outbound bool

	mu            sync.Mutex
	state         State
	localVersion  *wire.MsgVersion
	remoteVersion *wire.MsgVersion
	closeErr      error
	closeOnce     sync.Once
	closed        chan struct{}

	writeMu sync.Mutex

	download   *downloadState
	inv        *invState
	filter     *filterState
	ping       *pingState

	depsInitMu sync.Mutex
	deps       *txDeps

	onFailure func(FailureKind, error)
	onReady   func()
}

// New wraps codec (already dialed/accepted) into a Peer ready for
// Start. outbound distinguishes who must speak first in the handshake:
// the dialing side sends version immediately, the accepting side waits.
func New(codec *bitcoinwire.Codec, addr net.Addr, outbound bool, cfg Config) *Peer {
	cfg.setDefaults()
	p := &Peer{
		cfg:      cfg,
		codec:    codec,
		addr:     addr,
		outbound: outbound,
		state:    StateOpen,
		closed:   make(chan struct{}),
	}
	p.download = newDownloadState(p)
	p.inv = newInvState(p)
	p.filter = newFilterState(p)
	p.ping = newPingState(p)
	return p
}

// SetRemoteVersionForTest injects a remote version message without
// running a handshake, for tests in other packages that need a Peer in
// StateReady-like shape (e.g. download-peer election) without a real
// connection.
func (p *Peer) SetRemoteVersionForTest(v *wire.MsgVersion) {
	p.mu.Lock()
	p.remoteVersion = v
	p.mu.Unlock()
}

// RTTSamples returns recent ping/pong round-trip samples, oldest
// first, for use by PeerGroup's stall detector.
func (p *Peer) RTTSamples() []time.Duration { return p.ping.RTTs() }

// OnFailure registers a callback invoked exactly once when the peer
// transitions to StateClosed due to an error. It is never called for a
// clean, caller-initiated Close.
func (p *Peer) OnFailure(fn func(FailureKind, error)) { p.onFailure = fn }

// OnReady registers a callback invoked exactly once when the handshake
// completes and the peer enters StateReady.
func (p *Peer) OnReady(fn func()) { p.onReady = fn }

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Addr returns the remote address this Peer was constructed with.
func (p *Peer) Addr() net.Addr { return p.addr }

// Outbound reports whether we dialed this peer (true) or accepted an
// inbound connection from it (false).
func (p *Peer) Outbound() bool { return p.outbound }

// RemoteVersion returns the parsed version message received from the
// peer, or nil if the handshake has not completed.
func (p *Peer) RemoteVersion() *wire.MsgVersion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteVersion
}

// BlockHeightDifference returns the peer's advertised start height
// minus our chain store's best height, useful for download-peer
// election and for deciding whether a peer is even worth querying.
func (p *Peer) BlockHeightDifference() int32 {
	p.mu.Lock()
	rv := p.remoteVersion
	p.mu.Unlock()
	if rv == nil || p.cfg.ChainStore == nil {
		return 0
	}
	return rv.LastBlock - p.cfg.ChainStore.BestHeight()
}

// ClientVersion returns the peer's advertised sub-version string (e.g.
// "/Satoshi:25.0.0/"), or "" before the handshake completes.
func (p *Peer) ClientVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteVersion == nil {
		return ""
	}
	return p.remoteVersion.UserAgent
}

// Start launches the handshake and the read loop. It returns once the
// handshake either succeeds or fails; the read loop continues on its
// own goroutine until the Peer closes.
func (p *Peer) Start(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	if err := p.handshake(hctx); err != nil {
		p.fail(classifyHandshakeErr(err), err)
		return err
	}

	p.setState(StateReady)
	if p.onReady != nil {
		p.cfg.Dispatcher.Dispatch(p.onReady)
	}
	p.ping.start()
	go p.readLoop()

	if err := p.download.StartSync(); err != nil {
		p.fail(FailureTransport, err)
		return err
	}
	return nil
}

func classifyHandshakeErr(err error) FailureKind {
	if errors.Is(err, ErrSelfConnection) {
		return FailureProtocol
	}
	if bitcoinwire.IsEOF(err) {
		return FailureTransport
	}
	return FailureProtocol
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (p *Peer) handshake(ctx context.Context) error {
	p.nonce = randomNonce()
	deadline, _ := ctx.Deadline()
	_ = p.codec.SetDeadline(deadline)

	myVersion := p.buildVersionMessage()
	p.localVersion = myVersion

	if p.outbound {
		if err := p.writeMessage(myVersion); err != nil {
			return err
		}
		p.setState(StateVersionSent)
	}

	var gotVersion, gotVerAck bool

	for {
		msg, _, err := p.codec.ReadMessage()
		if errors.Is(err, bitcoinwire.ErrUnknownCommand) {
			continue
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			if m.Nonce == p.nonce {
				return ErrSelfConnection
			}
			p.mu.Lock()
			p.remoteVersion = m
			p.mu.Unlock()
			p.codec.SetProtocolVersion(minUint32(p.cfg.ProtocolVersion, uint32(m.ProtocolVersion)))
			gotVersion = true

			if !p.outbound {
				if err := p.writeMessage(myVersion); err != nil {
					return err
				}
			}
			if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
				return err
			}
			p.setState(StateBothVersionsExchanged)

		case *wire.MsgVerAck:
			if p.State() < StateVersionSent {
				return fmt.Errorf("peer: verack before version sent")
			}
			gotVerAck = true

		default:
			// Anything else before handshake completion is a protocol
			// violation: no other message is valid until both sides
			// have exchanged version/verack.
			return fmt.Errorf("peer: unexpected message %T before handshake complete", msg)
		}

		if gotVersion && gotVerAck {
			return nil
		}
	}
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (p *Peer) buildVersionMessage() *wire.MsgVersion {
	var bestHeight int32
	if p.cfg.ChainStore != nil {
		bestHeight = p.cfg.ChainStore.BestHeight()
	}
	me := wire.NewNetAddress(&net.TCPAddr{IP: net.IPv4zero, Port: 0}, p.cfg.Services)
	you := wire.NewNetAddress(&net.TCPAddr{IP: net.IPv4zero, Port: 0}, p.cfg.Services)
	msg := wire.NewMsgVersion(me, you, p.nonce, bestHeight)
	msg.UserAgent = p.cfg.UserAgent
	msg.Services = p.cfg.Services
	msg.ProtocolVersion = int32(p.cfg.ProtocolVersion)
	return msg
}

func (p *Peer) writeMessage(msg wire.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.codec.WriteMessage(msg)
}

// Send writes a message once the handshake is complete. It is the
// entry point PeerGroup and the download/inv/filter/tx sub-states use
// to talk to the wire.
func (p *Peer) Send(msg wire.Message) error {
	if p.State() < StateReady {
		return ErrNotReady
	}
	return p.writeMessage(msg)
}

func (p *Peer) readLoop() {
	for {
		msg, _, err := p.codec.ReadMessage()
		if errors.Is(err, bitcoinwire.ErrUnknownCommand) {
			continue
		}
		if err != nil {
			kind := FailureTransport
			if bitcoinwire.IsEOF(err) {
				kind = FailureTransport
			}
			p.fail(kind, err)
			return
		}
		if err := p.dispatchMessage(msg); err != nil {
			var pe *protocolError
			if errors.As(err, &pe) {
				p.fail(FailureProtocol, err)
				return
			}
			var re *resourceError
			if errors.As(err, &re) {
				p.fail(FailureResourceOverflow, err)
				return
			}
			var ce *chainStoreError
			if errors.As(err, &ce) {
				// ChainStore-IO failures are logged at error level only:
				// they are not reported to OnFailure or PeerGroup, and
				// the connection stays open.
				p.cfg.Logger.Error("chain store error", zap.Error(err), zap.Stringer("addr", logAddr{p.addr}))
				continue
			}
			// Verification failures are logged and otherwise ignored.
			p.cfg.Logger.Debug("verification failure", zap.Error(err), zap.Stringer("addr", logAddr{p.addr}))
		}
	}
}

type logAddr struct{ net.Addr }

func (l logAddr) String() string {
	if l.Addr == nil {
		return "?"
	}
	return l.Addr.String()
}

func (p *Peer) dispatchMessage(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgPing:
		return p.ping.handlePing(m)
	case *wire.MsgPong:
		return p.ping.handlePong(m)
	case *wire.MsgInv:
		return p.inv.handleInv(m)
	case *wire.MsgNotFound:
		return p.inv.handleNotFound(m)
	case *wire.MsgHeaders:
		return p.download.handleHeaders(m)
	case *wire.MsgMerkleBlock:
		p.inv.resolvedBlock(m.Header.BlockHash())
		return p.filter.handleMerkleBlock(m)
	case *wire.MsgBlock:
		p.inv.resolvedBlock(m.BlockHash())
		return nil
	case *wire.MsgTx:
		return p.handleTx(m)
	case *wire.MsgGetData:
		return p.handleGetData(m)
	case *wire.MsgReject:
		p.cfg.Logger.Debug("peer rejected message",
			zap.String("command", m.Cmd), zap.String("reason", m.Reason))
		return nil
	case *wire.MsgFeeFilter:
		return nil
	default:
		return nil
	}
}

func (p *Peer) handleGetData(m *wire.MsgGetData) error {
	// Inventory requests from the remote peer for data we announced
	// ourselves (e.g. a broadcast transaction). Higher layers register
	// what is available; absent a registration we simply ignore it,
	// matching the wire protocol's tolerance for unanswerable getdata.
	return p.inv.handleGetData(m)
}

// Close tears down the connection. It is idempotent; subsequent calls
// do nothing and return nil.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.setState(StateClosed)
		close(p.closed)
		err = p.codec.Close()
		p.ping.stop()
	})
	if err == nil && p.State() == StateClosed {
		return nil
	}
	return err
}

// Done returns a channel closed once the peer has stopped, for callers
// that want to select on peer lifetime without polling State().
func (p *Peer) Done() <-chan struct{} { return p.closed }

func (p *Peer) fail(kind FailureKind, err error) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.closeErr = err
	p.mu.Unlock()

	_ = p.Close()
	if p.onFailure != nil {
		p.cfg.Dispatcher.Dispatch(func() { p.onFailure(kind, err) })
	}
}

// protocolError, resourceError, and chainStoreError let sub-states
// signal which branch of the failure taxonomy an error belongs to
// without every call site importing the FailureKind constants.
type protocolError struct{ err error }

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

func newProtocolError(format string, args ...any) error {
	return &protocolError{err: fmt.Errorf(format, args...)}
}

type resourceError struct{ err error }

func (e *resourceError) Error() string { return e.err.Error() }
func (e *resourceError) Unwrap() error { return e.err }

func newResourceError(format string, args ...any) error {
	return &resourceError{err: fmt.Errorf(format, args...)}
}

type chainStoreError struct{ err error }

func (e *chainStoreError) Error() string { return e.err.Error() }
func (e *chainStoreError) Unwrap() error { return e.err }

func newChainStoreError(err error) error {
	return &chainStoreError{err: err}
}
