package metrics

import (
	"context"
	"time"

	"github.com/migadu/submitd/logger"
)

// ConnectionSnapshot is a point-in-time view of a listener's connection table.
type ConnectionSnapshot struct {
	Protocol  string
	Active    int64
	Max       int64 // 0 means unlimited
	UniqueIPs int
}

// SnapshotProvider is implemented by anything that can report live connection counts.
type SnapshotProvider interface {
	Snapshot() ConnectionSnapshot
}

// Collector periodically samples connection snapshots into gauges.
type Collector struct {
	providers []SnapshotProvider
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration, providers ...SnapshotProvider) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Debug("MetricsCollector started", "interval", c.interval, "providers", len(c.providers))

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, p := range c.providers {
		snap := p.Snapshot()
		UniqueClientIPs.WithLabelValues(snap.Protocol).Set(float64(snap.UniqueIPs))
		if snap.Max > 0 {
			ConnectionLimitUtilization.WithLabelValues(snap.Protocol).Set(float64(snap.Active) / float64(snap.Max))
		}
	}
}
