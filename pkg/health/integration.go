package health

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/migadu/submitd/pkg/metrics"
)

// BannerCheck connects to an SMTP listener, expects a 220 greeting and
// leaves with QUIT. An unspecified bind host is probed on loopback.
func BannerCheck(name, addr string) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			return probeBanner(ctx, dialAddr(addr))
		},
	}
}

func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if ip != nil && ip.To4() == nil {
			return net.JoinHostPort("::1", port)
		}
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}

func probeBanner(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read banner: %w", err)
	}
	if !strings.HasPrefix(line, "220 ") {
		return fmt.Errorf("unexpected banner %q", strings.TrimRight(line, "\r\n"))
	}
	_, _ = conn.Write([]byte("QUIT\r\n"))
	return nil
}

// CapacityCheck degrades when the listener's active connections reach
// threshold (0..1) of its configured maximum.
func CapacityCheck(name string, provider metrics.SnapshotProvider, threshold float64) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 15 * time.Second,
		Timeout:  time.Second,
		Critical: false,
		Check: func(context.Context) error {
			snap := provider.Snapshot()
			if snap.Max <= 0 {
				return nil
			}
			used := float64(snap.Active) / float64(snap.Max)
			if used >= threshold {
				return fmt.Errorf("%d of %d connections in use", snap.Active, snap.Max)
			}
			return nil
		},
	}
}
