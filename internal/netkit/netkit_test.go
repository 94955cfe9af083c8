package netkit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialContextConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	cfg := DefaultConfig()
	cfg.HappyEyeballs = false
	d := NewDialer(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestDialImplementsChainifaceConnector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	d := NewDialer(DefaultConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	conn.Close()
}

func TestDialContextRespectsRateLimit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := DefaultConfig()
	cfg.HappyEyeballs = false
	d := NewDialer(cfg, nil)

	// Drain the limiter's burst so the next dial must wait.
	ctx := context.Background()
	for i := 0; i < DefaultDialsPerSecond; i++ {
		require.NoError(t, d.limiter.Wait(ctx))
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.DialContext(shortCtx, "tcp", ln.Addr().String())
	require.Error(t, err, "dial should block on the drained limiter until the short context expires")
}
