package metrics

import (
	"context"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
)

// StatusCountsProvider reports how many live resources sit in each backup status.
type StatusCountsProvider interface {
	BackupStatusCounts(ctx context.Context) (map[string]int64, error)
}

// QueueDepthProvider reports pending and in-flight job counts.
type QueueDepthProvider interface {
	Depth(ctx context.Context) (pending, processing int64, err error)
}

// Collector periodically refreshes gauges that need a query to compute.
type Collector struct {
	statuses StatusCountsProvider
	queue    QueueDepthProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Either provider may be nil.
func NewCollector(statuses StatusCountsProvider, queue QueueDepthProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		statuses: statuses,
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	if c.statuses != nil {
		counts, err := c.statuses.BackupStatusCounts(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error collecting backup status counts", "error", err)
		} else {
			BackupStatusRecords.Reset()
			for status, n := range counts {
				BackupStatusRecords.WithLabelValues(status).Set(float64(n))
			}
		}
	}

	if c.queue != nil {
		pending, processing, err := c.queue.Depth(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error collecting queue depth", "error", err)
			return
		}
		QueueDepth.WithLabelValues("pending").Set(float64(pending))
		QueueDepth.WithLabelValues("processing").Set(float64(processing))
		logger.Debug("MetricsCollector: updated queue depth", "pending", pending, "processing", processing)
	}
}
