// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/logging"
)

// CounterSource provides cumulative packet counters, e.g. the rule counters
// of the interception ruleset.
type CounterSource interface {
	Counters() (map[string]uint64, error)
}

// Collector periodically samples counters and gauges into the registry.
type Collector struct {
	metrics  *Metrics
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	source   CounterSource
	samplers []func(*Metrics)

	// Cached values for API access
	mu         sync.RWMutex
	lastUpdate time.Time
	ruleStats  map[string]*RuleStats
}

// RuleStats holds the counter and rate of one ruleset rule.
type RuleStats struct {
	Name      string  `json:"name"`
	Packets   uint64  `json:"packets"`
	PacketsPS float64 `json:"packets_per_sec"`

	// Previous values for rate calculation (not exported to JSON)
	prevPackets   uint64    `json:"-"`
	prevTimestamp time.Time `json:"-"`
}

// NewCollector creates a new metrics collector. source may be nil.
func NewCollector(m *Metrics, logger *logging.Logger, interval time.Duration, source CounterSource) *Collector {
	return &Collector{
		metrics:   m,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
		source:    source,
		ruleStats: make(map[string]*RuleStats),
	}
}

// AddSampler registers a function run on every collection, used for gauges
// owned by other components. Call before Start.
func (c *Collector) AddSampler(fn func(*Metrics)) {
	c.samplers = append(c.samplers, fn)
}

// Start begins the metrics collection loop.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the metrics collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect runs one collection pass.
func (c *Collector) Collect() {
	for _, fn := range c.samplers {
		fn(c.metrics)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.collectRuleStats(); err != nil {
		c.logger.Warn("Failed to collect rule stats", "error", err)
	}
	c.lastUpdate = clock.Now()
}

func (c *Collector) collectRuleStats() error {
	if c.source == nil {
		return nil
	}
	counters, err := c.source.Counters()
	if err != nil {
		return err
	}

	now := clock.Now()
	for name, packets := range counters {
		stats, ok := c.ruleStats[name]
		if !ok {
			stats = &RuleStats{Name: name}
			c.ruleStats[name] = stats
		}
		if !stats.prevTimestamp.IsZero() {
			stats.PacketsPS = c.calculateRate(packets, stats.prevPackets, now.Sub(stats.prevTimestamp).Seconds())
		}
		stats.Packets = packets
		stats.prevPackets = packets
		stats.prevTimestamp = now

		c.metrics.RuleCounters.WithLabelValues(name).Set(float64(packets))
		c.metrics.RulePacketsRate.WithLabelValues(name).Set(stats.PacketsPS)
	}
	return nil
}

// calculateRate computes the rate between two counter values, handling resets.
// If current < previous (counter reset), treats current as the delta from zero.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var delta uint64
	if current < previous {
		// Counter reset detected - use current value as delta
		delta = current
		c.logger.Debug("Counter reset detected", "current", current, "previous", previous)
	} else {
		delta = current - previous
	}

	return float64(delta) / elapsedSeconds
}

// GetRuleStats returns a copy of the rule statistics.
func (c *Collector) GetRuleStats() map[string]RuleStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]RuleStats, len(c.ruleStats))
	for k, v := range c.ruleStats {
		out[k] = *v
	}
	return out
}

// GetLastUpdate returns the time of the last collection.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
