package manager

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
)

// DefaultCollectInterval is how often resource gauges are refreshed
const DefaultCollectInterval = 15 * time.Second

// MetricsCollector collects metrics from the manager
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: DefaultCollectInterval,
	}
}

// Run collects immediately and then on every tick until ctx is cancelled
func (c *MetricsCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *MetricsCollector) collect(ctx context.Context) {
	c.collectResourceMetrics(ctx)
	c.collectAllocatorMetrics()
}

func (c *MetricsCollector) collectResourceMetrics(ctx context.Context) {
	for _, k := range c.manager.kinds.All() {
		list, err := c.manager.raw.List(ctx, k.Resource, "")
		if err != nil {
			c.manager.logger.Debug().Err(err).Str("kind", k.Resource).Msg("Failed to count resources")
			continue
		}
		metrics.ResourcesTotal.WithLabelValues(k.Resource).Set(float64(len(list.Items)))
	}
}

func (c *MetricsCollector) collectAllocatorMetrics() {
	metrics.ClusterIPsAllocated.Set(float64(c.manager.ips.Used()))
}
