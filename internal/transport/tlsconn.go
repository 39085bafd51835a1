package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

type tlsDialer struct {
	config  *tls.Config
	timeout time.Duration
}

func newTLSDialer(cfg Config) (*tlsDialer, error) {
	pool, err := loadRootPool(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("build tls transport: %w", err)
	}

	return &tlsDialer{
		config: &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		},
		timeout: cfg.dialTimeout(),
	}, nil
}

// loadRootPool returns the system roots, or a pool holding only the explicit
// CA certificate when one is configured.
func loadRootPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		return pool, nil
	}

	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return pool, nil
}

func (d *tlsDialer) Kind() Kind { return KindTLS }

func (d *tlsDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.timeout},
		Config:    d.config,
	}
	return dialer.DialContext(ctx, "tcp", addr)
}
