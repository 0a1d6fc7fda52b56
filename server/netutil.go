package server

import (
	"net"
	"strconv"
)

// GetHostPortFromAddr extracts the host and port from a net.Addr.
// If parsing fails, it returns best-effort values.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// RemoteIP returns the IP portion of a connection's remote address, used as
// the key for per-IP accounting.
func RemoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _ := GetHostPortFromAddr(addr)
	return host
}
