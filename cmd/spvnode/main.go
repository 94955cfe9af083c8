// Command spvnode runs the SPV networking core standalone: it
// maintains a peer fleet, persists known addresses, exposes Prometheus
// metrics and a diagnostics HTTP/WebSocket surface, and (optionally)
// ingests a local Bitcoin Core's ZMQ side channel. It does not itself
// implement a wallet or chain store; those collaborator interfaces are
// satisfied here by a minimal header-only store suitable for running
// the node standalone, the same role the teacher's cmd entrypoints
// play against their own client types.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/blocksprint/spvnet/internal/addrbook"
	"github.com/blocksprint/spvnet/internal/confidence"
	"github.com/blocksprint/spvnet/internal/config"
	"github.com/blocksprint/spvnet/internal/diagnostics"
	"github.com/blocksprint/spvnet/internal/discovery"
	"github.com/blocksprint/spvnet/internal/headerstore"
	"github.com/blocksprint/spvnet/internal/logging"
	"github.com/blocksprint/spvnet/internal/netkit"
	"github.com/blocksprint/spvnet/internal/peer"
	"github.com/blocksprint/spvnet/internal/peergroup"
	"github.com/blocksprint/spvnet/internal/txbroadcast"
	"github.com/blocksprint/spvnet/internal/zmqfeed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "spvnode:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params, err := chainParams(cfg.Network)
	if err != nil {
		return err
	}

	book, err := addrbook.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open address book: %w", err)
	}
	defer book.Close()

	store := headerstore.New(params)
	confidenceTable := confidence.New(confidence.Config{}, logger)
	defer confidenceTable.Stop()

	monitor := diagnostics.NewMonitor(logger)

	pg := peergroup.New(peergroup.Config{
		TargetConnections:          cfg.TargetConnections,
		MaxPeersToDiscover:         cfg.MaxPeersToDiscover,
		ConnectTimeout:             cfg.ConnectTimeout,
		PreferLocalhost:            cfg.PreferLocalhost,
		StallPeriod:                time.Duration(cfg.StallPeriodSecs) * time.Second,
		MinBroadcastConnections:    cfg.MinBroadcastConnections,
		MinRequiredProtocolVersion: cfg.MinRequiredProtocolVersion,
		Discovery:                  buildDiscovery(cfg, book),
		Connector:                  netkit.NewDialer(netkit.DefaultConfig(), logger),
		Magic:                      uint32(params.Net),
		Observer:                   multiObserver{monitor, addrBookObserver{book: book}},
		Logger:                     logger,
		PeerTemplate: peer.Config{
			ChainParams: params,
			UserAgent:   cfg.UserAgent,
			Services:    wire.SFNodeWitness,
			PingInterval: cfg.PingInterval,

			MaxTxDependencyDepth: cfg.DownloadTxDependencyDepth,

			ChainStore: store,
			Confidence: confidenceTable,
		},
	})

	monitor.SetPeerLister(func() []diagnostics.PeerInfo {
		peers := pg.Peers()
		out := make([]diagnostics.PeerInfo, 0, len(peers))
		for _, p := range peers {
			info := diagnostics.PeerInfo{
				Address:       p.Addr().String(),
				ClientVersion: p.ClientVersion(),
				Outbound:      p.Outbound(),
			}
			if rtts := p.RTTSamples(); len(rtts) > 0 {
				info.LastRTT = rtts[len(rtts)-1]
			}
			out = append(out, info)
		}
		return out
	})

	broadcaster := txbroadcast.New(pg, confidenceTable, txbroadcast.Config{
		MinConnections: cfg.MinBroadcastConnections,
		Logger:         logger,
	})
	_ = broadcaster // not used further by this binary; exercised by its own package tests

	var feed *zmqfeed.Feed
	if cfg.ZMQEndpoint != "" {
		feed = zmqfeed.New(cfg.ZMQEndpoint, logger)
		feed.OnTxHash(func(h chainhash.Hash) {
			confidenceTable.Seen(h, "zmq")
		})
		go func() {
			if err := feed.Run(); err != nil {
				logger.Warn("zmqfeed stopped", zap.Error(err))
			}
		}()
		defer feed.Stop()
	}

	server := &http.Server{
		Addr:    cfg.DiagnosticsListenAddr,
		Handler: monitor.Router(),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("diagnostics server failed", zap.Error(err))
		}
	}()
	defer server.Shutdown(context.Background())

	logger.Info("spvnode starting",
		zap.String("network", cfg.Network),
		zap.Int("target_connections", cfg.TargetConnections),
		zap.String("diagnostics_addr", cfg.DiagnosticsListenAddr),
	)

	return pg.Run(ctx)
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func buildDiscovery(cfg config.Config, book *addrbook.Book) discovery.Source {
	var sources []discovery.Source

	if len(cfg.HardcodedSeeds) > 0 {
		var addrs []net.Addr
		for _, s := range cfg.HardcodedSeeds {
			if a, err := net.ResolveTCPAddr("tcp", s); err == nil {
				addrs = append(addrs, a)
			}
		}
		sources = append(sources, discovery.HardcodedSeed{Addrs: addrs})
	}

	for _, host := range cfg.DNSSeeds {
		sources = append(sources, discovery.HostnameSeed{Hostname: host, DefaultPort: 8333})
	}

	for _, url := range cfg.HTTPSeedURLs {
		sources = append(sources, discovery.HTTPSeed{URL: url, Fetch: fetchLineSeedList})
	}

	sources = append(sources, addrBookSource{book: book})

	return discovery.MultiplexingDiscovery{
		Sources: sources,
		Timeout: cfg.PeerDiscoveryTimeout,
	}
}

// multiObserver fans a connection attempt out to several
// peergroup.ConnectionObserver implementations.
type multiObserver []peergroup.ConnectionObserver

func (m multiObserver) ObserveAttempt(addr string, success bool, err error) {
	for _, o := range m {
		o.ObserveAttempt(addr, success, err)
	}
}

// addrBookObserver persists every connection attempt's outcome back
// into the address book, so future discovery rounds prefer addresses
// with a recent successful handshake.
type addrBookObserver struct {
	book *addrbook.Book
}

func (o addrBookObserver) ObserveAttempt(addr string, success bool, err error) {
	a, rerr := net.ResolveTCPAddr("tcp", addr)
	if rerr != nil {
		return
	}
	_ = o.book.Upsert(context.Background(), a, success)
}

// addrBookSource lets the persisted address book participate in
// discovery fan-out alongside DNS/HTTP/hardcoded seeds, so a restarted
// node with an empty discovery queue still has somewhere to go before
// any network round-trip completes.
type addrBookSource struct {
	book *addrbook.Book
}

func (s addrBookSource) Discover(ctx context.Context) ([]net.Addr, error) {
	records, err := s.book.Best(ctx, 64)
	if err != nil {
		return nil, err
	}
	out := make([]net.Addr, 0, len(records))
	for _, r := range records {
		if a, err := net.ResolveTCPAddr("tcp", r.Addr); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// fetchLineSeedList fetches a plain-text, one-address-per-line seed
// list over HTTP, the simplest format an HTTPSeed can be pointed at
// without this package taking a position on a JSON schema.
func fetchLineSeedList(ctx context.Context, url string) ([]net.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []net.Addr
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if a, err := net.ResolveTCPAddr("tcp", line); err == nil {
			out = append(out, a)
		}
	}
	return out, scanner.Err()
}
