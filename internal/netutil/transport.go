package netutil

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DialFunc opens a stream connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewInstrumentDialer returns a dialer for LAN attached instruments. Bench
// supplies live on the lab network, so an address outside the private ranges
// is logged as a warning rather than rejected.
func NewInstrumentDialer(timeout time.Duration, logger *logrus.Logger) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		if isLocalOrPrivateHost(host) {
			logger.WithField("host", host).Debug("Connecting to instrument on local network")
		} else {
			logger.WithField("host", host).Warn("Instrument address is not on a private network")
		}

		dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			// SCPI exchanges are tiny request/response lines.
			_ = tcp.SetNoDelay(true)
		}
		return conn, nil
	}
}

// isLocalOrPrivateHost checks if a hostname is localhost or a private network address
func isLocalOrPrivateHost(host string) bool {
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".lan") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Bare hostnames without a dot usually resolve through the lab's DHCP/DNS.
		return !strings.Contains(host, ".")
	}

	return isPrivateIP(ip)
}

// isPrivateIP checks if an IP address is in a private network range
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
