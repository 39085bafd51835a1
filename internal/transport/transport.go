package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fleetlink/fleetlink/internal/crypto"
)

// Kind selects the wire-level wrapping for a relay's outbound leg.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindEncrypted Kind = "encrypted"
	KindTLS       Kind = "tls"
	KindWebSocket Kind = "websocket"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindDirect, KindEncrypted, KindTLS, KindWebSocket:
		return Kind(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown transport kind %q", s)
	}
}

// Config carries the key and certificate material adapters may need.
// Fields are only consulted by the kinds that use them.
type Config struct {
	Cipher      crypto.Cipher
	Key         []byte
	CAFile      string
	DialTimeout time.Duration
}

const defaultDialTimeout = 10 * time.Second

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return defaultDialTimeout
}

// Dialer opens outbound duplex byte streams of one transport kind. Once
// constructed, the returned connections behave like any net.Conn to callers;
// all kind-specific branching happens here.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Kind() Kind
}

// NewDialer builds the adapter for a kind, failing fast when required key or
// certificate material is absent or malformed.
func NewDialer(kind Kind, cfg Config) (Dialer, error) {
	switch kind {
	case KindDirect:
		return &directDialer{timeout: cfg.dialTimeout()}, nil
	case KindEncrypted:
		return newEncryptedDialer(cfg)
	case KindTLS:
		return newTLSDialer(cfg)
	case KindWebSocket:
		return newWebSocketDialer(cfg)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
