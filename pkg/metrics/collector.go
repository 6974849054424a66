package metrics

import (
	"sync"
	"time"
)

// StateSource exposes the counts the collector exports
type StateSource interface {
	// HostStatusCounts returns status → number of hosts
	HostStatusCounts() map[string]int
	// ServiceStateCounts returns state → number of specs
	ServiceStateCounts() map[string]int
	// DaemonCounts returns daemon type → status → number of daemons
	DaemonCounts() map[string]map[string]int
}

// RaftSource is implemented by the replicated store
type RaftSource interface {
	IsLeader() bool
	Stats() map[string]interface{}
}

// Collector periodically exports state gauges
type Collector struct {
	source   StateSource
	raft     RaftSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector. raft may be nil.
func NewCollector(source StateSource, raft RaftSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		raft:     raft,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect exports one snapshot
func (c *Collector) Collect() {
	c.collectHostMetrics()
	c.collectServiceMetrics()
	c.collectDaemonMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectHostMetrics() {
	HostsTotal.Reset()
	for status, n := range c.source.HostStatusCounts() {
		if status == "" {
			status = "normal"
		}
		HostsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectServiceMetrics() {
	ServicesTotal.Reset()
	for state, n := range c.source.ServiceStateCounts() {
		ServicesTotal.WithLabelValues(state).Set(float64(n))
	}
}

func (c *Collector) collectDaemonMetrics() {
	DaemonsTotal.Reset()
	for daemonType, statuses := range c.source.DaemonCounts() {
		for status, n := range statuses {
			DaemonsTotal.WithLabelValues(daemonType, status).Set(float64(n))
		}
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}

	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.raft.Stats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(int); ok {
		RaftPeers.Set(float64(peers))
	}
}
