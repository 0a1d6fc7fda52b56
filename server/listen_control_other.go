//go:build !(linux || freebsd || netbsd || openbsd || dragonfly || darwin)

package server

import (
	"context"
	"net"
)

// ListenWithBacklog falls back to the platform default backlog.
func ListenWithBacklog(ctx context.Context, network, address string, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}
