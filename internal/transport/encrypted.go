package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fleetlink/fleetlink/internal/crypto"
)

// maxFrameSize bounds a single encrypted frame on the wire. Relay pumps write
// 8 KiB chunks, so anything near this limit indicates a corrupt or hostile peer.
const maxFrameSize = 1 << 20

type encryptedDialer struct {
	aead    *crypto.AEAD
	timeout time.Duration
}

func newEncryptedDialer(cfg Config) (*encryptedDialer, error) {
	aead, err := crypto.New(cfg.Cipher, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("build encrypted transport: %w", err)
	}
	return &encryptedDialer{aead: aead, timeout: cfg.dialTimeout()}, nil
}

func (d *encryptedDialer) Kind() Kind { return KindEncrypted }

func (d *encryptedDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewFrameConn(conn, d.aead), nil
}

// frameConn carries AEAD-sealed frames over a stream. Each Write seals one
// frame with a fresh nonce; on the wire a frame is a 4-byte big-endian length
// followed by nonce || ciphertext, so reads recover exact frame boundaries.
type frameConn struct {
	net.Conn
	aead     *crypto.AEAD
	leftover []byte
}

// NewFrameConn wraps conn so both ends of an encrypted relay leg can speak
// the same framing. The caller keeps ownership of conn's lifetime.
func NewFrameConn(conn net.Conn, aead *crypto.AEAD) net.Conn {
	return &frameConn{Conn: conn, aead: aead}
}

func (c *frameConn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	var hdr [4]byte
	if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size < crypto.NonceSize {
		return 0, fmt.Errorf("encrypted frame shorter than nonce: %d bytes", size)
	}
	if size > maxFrameSize {
		return 0, fmt.Errorf("encrypted frame too large: %d bytes", size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.Conn, frame); err != nil {
		return 0, fmt.Errorf("read encrypted frame: %w", err)
	}

	plaintext, err := c.aead.Open(frame)
	if err != nil {
		return 0, err
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.leftover = plaintext[n:]
	}
	return n, nil
}

func (c *frameConn) Write(p []byte) (int, error) {
	frame, err := c.aead.Seal(p)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)

	if _, err := c.Conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
