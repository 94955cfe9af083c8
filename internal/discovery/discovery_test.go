package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) Discover(ctx context.Context) ([]net.Addr, error) {
	return nil, errors.New("boom")
}

func TestMultiplexingDiscoveryUnion(t *testing.T) {
	seed := HardcodedSeed{Addrs: []net.Addr{
		&net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 8333},
		&net.TCPAddr{IP: net.ParseIP("5.6.7.8"), Port: 8333},
	}}

	m := MultiplexingDiscovery{Sources: []Source{seed, failingSource{}}, Timeout: time.Second}
	addrs, err := m.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, addrs, 2)
}

func TestMultiplexingDiscoveryAllFail(t *testing.T) {
	m := MultiplexingDiscovery{Sources: []Source{failingSource{}, failingSource{}}, Timeout: time.Second}
	_, err := m.Discover(context.Background())
	require.Error(t, err)
	var noAddrs *ErrNoAddresses
	require.ErrorAs(t, err, &noAddrs)
}
