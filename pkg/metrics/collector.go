package metrics

import (
	"time"

	"github.com/cuemby/lci/pkg/spec"
)

// JobSource is the subset of pkg/job's Manager that Collector polls. It is
// expressed as an interface here, rather than importing pkg/job directly,
// since pkg/job itself depends on this package to record metrics.
type JobSource interface {
	PoolSnapshot() map[spec.ResourceKey]int
	InFlightCount() int
}

// Collector periodically polls state that isn't naturally updated at the
// point of a single call: pool availability and the count of jobs in
// flight are both gauges that need a snapshot, not an event to react to.
type Collector struct {
	source JobSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector polling the given source.
func NewCollector(source JobSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval, collecting once
// immediately so the first scrape after startup already has data.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPoolMetrics()
	c.collectJobMetrics()
}

func (c *Collector) collectPoolMetrics() {
	for key, available := range c.source.PoolSnapshot() {
		PoolAvailable.WithLabelValues(key.String()).Set(float64(available))
	}
}

func (c *Collector) collectJobMetrics() {
	JobsInFlight.Set(float64(c.source.InFlightCount()))
}
