package zmqfeed

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesByTopicPrefix(t *testing.T) {
	f := New("tcp://127.0.0.1:0", nil)

	var gotTx, gotBlock chainhash.Hash
	f.OnTxHash(func(h chainhash.Hash) { gotTx = h })
	f.OnBlockHash(func(h chainhash.Hash) { gotBlock = h })

	// Payloads arrive in display order; callbacks get internal order.
	reversed := func(b [32]byte) (r [32]byte) {
		for i := range b {
			r[31-i] = b[i]
		}
		return r
	}

	var raw [32]byte
	raw[0] = 0xAB
	f.dispatch(topicHashTx, raw[:])
	require.Equal(t, reversed(raw), [32]byte(gotTx))

	raw[0] = 0xCD
	f.dispatch(topicHashBlock, raw[:])
	require.Equal(t, reversed(raw), [32]byte(gotBlock))
}

func TestDispatchDropsMalformedPayload(t *testing.T) {
	f := New("tcp://127.0.0.1:0", nil)

	called := false
	f.OnTxHash(func(h chainhash.Hash) { called = true })

	f.dispatch(topicHashTx, []byte{0x01, 0x02})
	require.False(t, called, "a short payload must not reach the callback")
}

func TestDispatchDedupesRepeatedHash(t *testing.T) {
	f := New("tcp://127.0.0.1:0", nil)

	count := 0
	f.OnTxHash(func(h chainhash.Hash) { count++ })

	var raw [32]byte
	raw[0] = 0x42
	f.dispatch(topicHashTx, raw[:])
	f.dispatch(topicHashTx, raw[:])
	f.dispatch(topicHashTx, raw[:])

	require.Equal(t, 1, count, "a previously seen hash must not be redelivered")
}

func TestStopIsIdempotentBeforeRun(t *testing.T) {
	f := New("tcp://127.0.0.1:0", nil)
	f.Stop()
	f.Stop()
}
