package database

import (
	"context"
	"net"
	"time"

	"bdmd/pkg/config"

	"github.com/Jigsaw-Code/outline-sdk/transport"
)

// DialFunc opens one store connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// KeepAliveDialer builds store connections with TCP keep-alive probing so a
// dead network path is noticed within Idle + Interval*Count.
func KeepAliveDialer(ka config.KeepAliveConfig, timeout time.Duration) DialFunc {
	netDialer := net.Dialer{
		Timeout: timeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     ka.Idle,
			Interval: ka.Interval,
			Count:    ka.Count,
		},
	}
	tcp := &transport.TCPDialer{Dialer: netDialer}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if network == "unix" {
			return netDialer.DialContext(ctx, network, addr)
		}
		return tcp.DialStream(ctx, addr)
	}
}
