package bitcoinwire

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, wire.TestNet3)
	cs := New(server, wire.TestNet3)

	ping := wire.NewMsgPing(1234)

	done := make(chan error, 1)
	go func() {
		done <- cc.WriteMessage(ping)
	}()

	msg, _, err := cs.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)

	got, ok := msg.(*wire.MsgPing)
	require.True(t, ok)
	require.Equal(t, ping.Nonce, got.Nonce)
}

func TestCodecDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cs := New(server, wire.TestNet3)
	require.NoError(t, cs.SetDeadline(time.Now().Add(10*time.Millisecond)))

	_, _, err := cs.ReadMessage()
	require.Error(t, err)
}
