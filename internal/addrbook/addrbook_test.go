package addrbook

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blocksprint/spvnet/internal/config"
)

func TestUpsertAndBest(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseType = config.DatabaseSQLite
	cfg.DatabaseURL = ":memory:"

	book, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer book.Close()

	addr := &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 8333}
	require.NoError(t, book.Upsert(context.Background(), addr, true))

	records, err := book.Best(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, addr.String(), records[0].Addr)
	require.Equal(t, 0, records[0].FailCount)
}

func TestUpsertFailureIncrementsCount(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseURL = ":memory:"

	book, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer book.Close()

	addr := &net.TCPAddr{IP: net.ParseIP("5.6.7.8"), Port: 8333}
	require.NoError(t, book.Upsert(context.Background(), addr, false))
	require.NoError(t, book.Upsert(context.Background(), addr, false))

	records, err := book.Best(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 2, records[0].FailCount)
}
