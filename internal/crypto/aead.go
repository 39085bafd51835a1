package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the per-frame nonce length for both supported ciphers.
const NonceSize = 12

// KeySize is the required symmetric key length.
const KeySize = 32

type Cipher string

const (
	CipherAESGCM   Cipher = "aes-gcm"
	CipherChaCha20 Cipher = "chacha20-poly1305"
)

func ParseCipher(s string) (Cipher, error) {
	switch Cipher(s) {
	case CipherAESGCM, CipherChaCha20:
		return Cipher(s), nil
	case "":
		return CipherAESGCM, nil
	default:
		return "", fmt.Errorf("unknown cipher %q", s)
	}
}

// DeriveKey turns an arbitrary passphrase into a valid 32-byte key.
func DeriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// AEAD seals and opens independent frames. Each frame is nonce || ciphertext
// with a fresh random nonce, so frames carry no ordering state.
type AEAD struct {
	aead cipher.AEAD
}

func New(c Cipher, key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	switch c {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("init aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("init gcm: %w", err)
		}
		return &AEAD{aead: aead}, nil
	case CipherChaCha20:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("init chacha20-poly1305: %w", err)
		}
		return &AEAD{aead: aead}, nil
	default:
		return nil, fmt.Errorf("unknown cipher %q", c)
	}
}

func (a *AEAD) Seal(plaintext []byte) ([]byte, error) {
	frame := make([]byte, NonceSize, NonceSize+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, frame); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return a.aead.Seal(frame, frame[:NonceSize], plaintext, nil), nil
}

func (a *AEAD) Open(frame []byte) ([]byte, error) {
	if len(frame) < NonceSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	plaintext, err := a.aead.Open(nil, frame[:NonceSize], frame[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return plaintext, nil
}

// Overhead is the number of bytes Seal adds beyond the plaintext.
func (a *AEAD) Overhead() int {
	return NonceSize + a.aead.Overhead()
}
