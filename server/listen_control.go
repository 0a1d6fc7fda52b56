//go:build linux || freebsd || netbsd || openbsd || dragonfly || darwin

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenWithBacklog creates a TCP listener with SO_REUSEADDR set and an
// explicit listen(2) backlog. A wildcard host binds a dual-stack IPv6 socket;
// explicit IPv4 or IPv6 hosts bind their own family only.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		var lc net.ListenConfig
		return lc.Listen(ctx, network, address)
	}

	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	var (
		family   int
		sockaddr unix.Sockaddr
		v6only   = 1
	)

	switch {
	case addr.IP == nil:
		family = unix.AF_INET6
		sockaddr = &unix.SockaddrInet6{Port: addr.Port}
		v6only = 0
	case addr.IP.To4() != nil:
		family = unix.AF_INET
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To4())
		sockaddr = sa
	default:
		family = unix.AF_INET6
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		sockaddr = sa
	}

	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		syscall.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	fail := func(op string, err error) (net.Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}

	// IPV6_V6ONLY must be set before bind.
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			return fail("set IPV6_V6ONLY", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		return fail("bind "+address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	file := os.NewFile(uintptr(fd), "listener")
	listener, err := net.FileListener(file)
	file.Close() // FileListener dups the fd
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return listener, nil
}
