package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/migadu/submitd/logger"
	"github.com/migadu/submitd/pkg/metrics"
)

var (
	ErrTooManyConnections      = errors.New("maximum connections reached")
	ErrTooManyConnectionsPerIP = errors.New("maximum connections per IP reached")
)

// ConnectionLimiter caps the number of concurrent connections for one
// listener, both in total and per client IP. A limit of 0 disables it.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	protocol         string
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		protocol:         protocol,
	}
}

// Accept reserves a slot for a connection from remoteAddr. On success the
// returned release function must be called exactly once when the
// connection ends. Errors wrap ErrTooManyConnections or
// ErrTooManyConnectionsPerIP.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	total := cl.currentTotal.Add(1)
	if cl.maxConnections > 0 && total > int64(cl.maxConnections) {
		cl.currentTotal.Add(-1)
		return nil, fmt.Errorf("%w (%d/%d)", ErrTooManyConnections, total-1, cl.maxConnections)
	}

	ip := RemoteIP(remoteAddr)

	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 {
		cl.mu.Lock()
		ipCounter = cl.perIPConnections[ip]
		if ipCounter == nil {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		perIP := ipCounter.Add(1)
		if perIP > int64(cl.maxPerIP) {
			cl.releaseIPLocked(ip, ipCounter)
			cl.mu.Unlock()
			cl.currentTotal.Add(-1)
			return nil, fmt.Errorf("%w for %s (%d/%d)", ErrTooManyConnectionsPerIP, ip, perIP-1, cl.maxPerIP)
		}
		cl.mu.Unlock()

		logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "ip", ip,
			"total", total, "max_total", cl.maxConnections, "per_ip", perIP, "max_per_ip", cl.maxPerIP)
	} else {
		logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "ip", ip,
			"total", total, "max_total", cl.maxConnections)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			remaining := cl.currentTotal.Add(-1)
			if ipCounter != nil {
				cl.mu.Lock()
				cl.releaseIPLocked(ip, ipCounter)
				cl.mu.Unlock()
			}
			logger.Debug("Connection limiter: connection released", "protocol", cl.protocol, "ip", ip, "total", remaining)
		})
	}, nil
}

// releaseIPLocked decrements an IP's counter and drops the entry at zero.
// cl.mu must be held.
func (cl *ConnectionLimiter) releaseIPLocked(ip string, counter *atomic.Int64) {
	if counter.Add(-1) <= 0 && cl.perIPConnections[ip] == counter {
		delete(cl.perIPConnections, ip)
	}
}

// Reason maps a limiter error to a short metrics label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTooManyConnectionsPerIP):
		return "per_ip_limit"
	case errors.Is(err, ErrTooManyConnections):
		return "total_limit"
	default:
		return "other"
	}
}

// Active returns the number of connections currently holding a slot.
func (cl *ConnectionLimiter) Active() int64 {
	return cl.currentTotal.Load()
}

// Snapshot implements metrics.SnapshotProvider.
func (cl *ConnectionLimiter) Snapshot() metrics.ConnectionSnapshot {
	cl.mu.RLock()
	unique := len(cl.perIPConnections)
	cl.mu.RUnlock()

	return metrics.ConnectionSnapshot{
		Protocol:  cl.protocol,
		Active:    cl.currentTotal.Load(),
		Max:       int64(cl.maxConnections),
		UniqueIPs: unique,
	}
}

// GetStats returns current connection statistics
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIPConnections)),
	}
	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	Protocol         string
	TotalConnections int64
	MaxConnections   int64
	MaxPerIP         int64
	IPConnections    map[string]int64
}
