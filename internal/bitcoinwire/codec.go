// Package bitcoinwire is the lowest layer of the networking stack: it
// frames and parses Bitcoin P2P wire messages over a net.Conn. It owns
// no protocol state beyond the negotiated protocol version and the
// network magic, and it never retries or reconnects a failed socket.
//
// Framing, checksum verification, and message dispatch are delegated to
// github.com/btcsuite/btcd/wire, the same library the wider ecosystem
// uses to avoid re-implementing the wire format by hand.
package bitcoinwire

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// MaxMessagePayload bounds a single message's payload, matching the
// ceiling btcd itself enforces for any single message. Oversized
// payloads are a protocol violation and abort the connection.
const MaxMessagePayload = wire.MaxMessagePayload

// Codec frames wire.Message values on top of a connection. It is not
// safe for concurrent Read and Write from multiple goroutines calling
// the same direction, but a single reader goroutine and a single writer
// goroutine may use it concurrently with each other.
type Codec struct {
	conn    net.Conn
	magic   wire.BitcoinNet
	pver    uint32
	readBuf []byte
}

// New wraps conn with the given network magic. The protocol version
// starts at wire.ProtocolVersion and is narrowed by SetProtocolVersion
// once a peer's version message is parsed.
func New(conn net.Conn, magic wire.BitcoinNet) *Codec {
	return &Codec{
		conn:  conn,
		magic: magic,
		pver:  wire.ProtocolVersion,
	}
}

// SetProtocolVersion narrows the version used to decode/encode
// subsequent messages to the lesser of the two peers' advertised
// versions, as negotiated during the handshake.
func (c *Codec) SetProtocolVersion(pver uint32) {
	c.pver = pver
}

// SetDeadline applies a single absolute deadline to the underlying
// connection for both read and write operations, letting the caller
// enforce per-message timeouts without separate goroutines.
func (c *Codec) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// ErrUnknownCommand is returned by ReadMessage when the peer sent a
// command this build of btcd's wire package does not recognize. Per
// the protocol's forward-compatibility rule, the caller should treat
// this as informational and keep reading rather than disconnect.
var ErrUnknownCommand = errors.New("bitcoinwire: unknown command, skipped")

// ReadMessage blocks until one full message is framed and decoded from
// the connection. A checksum mismatch, an oversized payload, or a
// mismatched network magic are all treated as fatal protocol errors by
// the caller (see internal/peer's failure taxonomy); ReadMessage itself
// only classifies unknown commands specially so the peer state machine
// can resynchronize instead of dying.
func (c *Codec) ReadMessage() (wire.Message, []byte, error) {
	msg, buf, err := wire.ReadMessageN(c.conn, c.pver, c.magic)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownMessage) {
			return nil, buf, ErrUnknownCommand
		}
		return nil, buf, err
	}
	return msg, buf, nil
}

// WriteMessage frames and writes msg to the connection using the
// codec's negotiated protocol version and network magic.
func (c *Codec) WriteMessage(msg wire.Message) error {
	return wire.WriteMessage(c.conn, msg, c.pver, c.magic)
}

// Close closes the underlying connection. It is safe to call from any
// goroutine and unblocks any in-flight Read/Write with io.ErrClosedPipe
// or a net.OpError wrapping it.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// RemoteAddr exposes the underlying connection's remote address so
// higher layers can log and key backoff state without holding a
// reference to the net.Conn directly.
func (c *Codec) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// isEOF reports whether err signals a clean peer-initiated close, which
// the peer state machine treats as an ordinary disconnect rather than a
// logged transport error.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsEOF is the exported form of isEOF for use by internal/peer.
func IsEOF(err error) bool { return isEOF(err) }
