package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/fleetlink/fleetlink/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x11}, crypto.KeySize)
}

// acceptFramed accepts one connection and wraps it with the same framing the
// dialer applies, echoing everything it reads.
func acceptFramed(t *testing.T, ln net.Listener, c crypto.Cipher) {
	t.Helper()
	aead, err := crypto.New(c, testKey())
	require.NoError(t, err)

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := NewFrameConn(raw, aead)
		defer conn.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
}

func TestEncryptedDialerEcho(t *testing.T) {
	for _, c := range []crypto.Cipher{crypto.CipherAESGCM, crypto.CipherChaCha20} {
		t.Run(string(c), func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()
			acceptFramed(t, ln, c)

			d, err := NewDialer(KindEncrypted, Config{Cipher: c, Key: testKey()})
			require.NoError(t, err)

			conn, err := d.Dial(context.Background(), ln.Addr().String())
			require.NoError(t, err)
			defer conn.Close()

			payload := bytes.Repeat([]byte{0xC3}, 8192)
			_, err = conn.Write(payload)
			require.NoError(t, err)

			got := make([]byte, len(payload))
			_, err = io.ReadFull(conn, got)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestFrameConnPartialReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	aead, err := crypto.New(crypto.CipherAESGCM, testKey())
	require.NoError(t, err)

	fc := NewFrameConn(server, aead)
	fw := NewFrameConn(client, aead)

	go func() {
		fw.Write([]byte("hello, fleet"))
	}()

	small := make([]byte, 5)
	n, err := fc.Read(small)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(small[:n]))

	rest := make([]byte, 32)
	n, err = fc.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, ", fleet", string(rest[:n]))
}

func TestFrameConnRejectsShortFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	aead, err := crypto.New(crypto.CipherAESGCM, testKey())
	require.NoError(t, err)
	fc := NewFrameConn(server, aead)

	go func() {
		// A framed payload whose declared size is below the nonce length.
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], 5)
		client.Write(hdr[:])
		client.Write([]byte("xxxxx"))
	}()

	_, err = fc.Read(make([]byte, 16))
	assert.Error(t, err)
}

func TestFrameConnRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	aead, err := crypto.New(crypto.CipherAESGCM, testKey())
	require.NoError(t, err)
	fc := NewFrameConn(server, aead)

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], maxFrameSize+1)
		client.Write(hdr[:])
	}()

	_, err = fc.Read(make([]byte, 16))
	assert.Error(t, err)
}

func TestFrameConnKeyMismatchFailsRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sender, err := crypto.New(crypto.CipherAESGCM, testKey())
	require.NoError(t, err)
	receiver, err := crypto.New(crypto.CipherAESGCM, bytes.Repeat([]byte{0x22}, crypto.KeySize))
	require.NoError(t, err)

	fw := NewFrameConn(client, sender)
	fc := NewFrameConn(server, receiver)

	go fw.Write([]byte("secret"))

	_, err = fc.Read(make([]byte, 16))
	assert.Error(t, err)
}

func TestFrameConnEOFOnPeerClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	aead, err := crypto.New(crypto.CipherAESGCM, testKey())
	require.NoError(t, err)
	fc := NewFrameConn(server, aead)

	client.Close()

	_, err = fc.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}
