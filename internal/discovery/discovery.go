// Package discovery supplies candidate peer addresses from hardcoded
// lists, DNS seeds, and HTTP seed services, and multiplexes several
// sources behind one fan-out call with a shared deadline.
package discovery

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Source returns a batch of candidate peer addresses. Implementations
// must respect ctx cancellation/deadline and return whatever partial
// results they have rather than blocking past it.
type Source interface {
	Discover(ctx context.Context) ([]net.Addr, error)
}

// HardcodedSeed returns a fixed, caller-supplied address list. It is
// the fallback source when DNS and HTTP seeds are unreachable or
// deliberately disabled (e.g. regtest).
type HardcodedSeed struct {
	Addrs []net.Addr
}

func (h HardcodedSeed) Discover(ctx context.Context) ([]net.Addr, error) {
	out := make([]net.Addr, len(h.Addrs))
	copy(out, h.Addrs)
	return out, nil
}

// HostnameSeed resolves a DNS seed hostname and pairs every returned IP
// with DefaultPort, matching Bitcoin Core's DNS seed convention.
type HostnameSeed struct {
	Hostname    string
	DefaultPort int
	Resolver    *net.Resolver
}

func (h HostnameSeed) Discover(ctx context.Context) ([]net.Addr, error) {
	resolver := h.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIP(ctx, "ip", h.Hostname)
	if err != nil {
		return nil, err
	}
	out := make([]net.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.TCPAddr{IP: ip, Port: h.DefaultPort})
	}
	return out, nil
}

// HTTPSeed fetches a peer list from an HTTP(S) seed service via a
// caller-supplied fetch function, keeping this package free of a
// hardcoded response format opinion.
type HTTPSeed struct {
	URL   string
	Fetch func(ctx context.Context, url string) ([]net.Addr, error)
}

func (h HTTPSeed) Discover(ctx context.Context) ([]net.Addr, error) {
	return h.Fetch(ctx, h.URL)
}

// MultiplexingDiscovery fans a Discover call out to every configured
// Source concurrently under one shared deadline, then returns the
// shuffled union of whatever results came back before it expired.
// Sources that individually error do not fail the whole discovery
// round as long as at least one source produced addresses; their
// errors are aggregated with multierr and returned only inside
// ErrNoAddresses when no source produced any. They are not logged.
type MultiplexingDiscovery struct {
	Sources []Source
	Timeout time.Duration
}

// ErrNoAddresses is returned when every source failed or the shared
// deadline expired before any source returned results.
type ErrNoAddresses struct{ Errs error }

func (e *ErrNoAddresses) Error() string {
	if e.Errs == nil {
		return "discovery: no addresses found"
	}
	return "discovery: no addresses found: " + e.Errs.Error()
}

func (m MultiplexingDiscovery) Discover(ctx context.Context) ([]net.Addr, error) {
	timeout := m.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([][]net.Addr, len(m.Sources))
	g, gctx := errgroup.WithContext(ctx)

	var aggErr error
	var aggMu sync.Mutex

	for i, src := range m.Sources {
		i, src := i, src
		g.Go(func() error {
			addrs, err := src.Discover(gctx)
			if err != nil {
				aggMu.Lock()
				aggErr = multierr.Append(aggErr, err)
				aggMu.Unlock()
				return nil // one source failing does not abort the group
			}
			results[i] = addrs
			return nil
		})
	}
	_ = g.Wait()

	var all []net.Addr
	for _, r := range results {
		all = append(all, r...)
	}
	if len(all) == 0 {
		return nil, &ErrNoAddresses{Errs: aggErr}
	}

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all, nil
}
