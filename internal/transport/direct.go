package transport

import (
	"context"
	"net"
	"time"
)

type directDialer struct {
	timeout time.Duration
}

func (d *directDialer) Kind() Kind { return KindDirect }

func (d *directDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}
