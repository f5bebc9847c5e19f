package elm

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	DefaultTCPHost = "192.168.0.10"
	DefaultTCPPort = "35000"
)

// TCPDialer connects to a Wi-Fi adapter. The target is host, host:port or
// empty for the usual adapter address.
type TCPDialer struct {
	KeepAlive time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, target string) (Transport, error) {
	addr := TCPAddress(target)
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = 15 * time.Second
	}
	nd := net.Dialer{KeepAlive: keepAlive}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// TCPAddress fills in the default host and port.
func TCPAddress(target string) string {
	if target == "" {
		return net.JoinHostPort(DefaultTCPHost, DefaultTCPPort)
	}
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, DefaultTCPPort)
}
