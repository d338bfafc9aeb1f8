// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"time"

	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
)

// LoggingConfig converts the log block. ring may be nil.
func (c *Config) LoggingConfig(ring *logging.Ring) logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	lc.JSON = c.Log.JSON
	lc.Ring = ring
	lc.RingLevel = logging.ParseLevel(c.Log.RingLevel)
	return lc
}

// LinuxConfig converts the kernel block for the netfilter provider.
func (c *Config) LinuxConfig() (kernel.LinuxConfig, error) {
	timeout, err := ParseDuration(c.Kernel.ReadTimeout)
	if err != nil {
		return kernel.LinuxConfig{}, err
	}
	lc := kernel.LinuxConfig{
		TableName:        c.Kernel.Table,
		QueueOut:         uint16(c.Kernel.QueueOut),
		QueueIn:          uint16(c.Kernel.QueueIn),
		MaxQueueLen:      uint32(c.Kernel.MaxQueueLen),
		InjectMark:       uint32(c.Kernel.InjectMark),
		RejectMark:       uint32(c.Kernel.RejectMark),
		ConntrackWorkers: uint8(c.Kernel.ConntrackWorkers),
		Timeout:          timeout,
	}
	return lc, lc.Validate()
}

// SimConfig converts the kernel block for the simulation provider.
func (c *Config) SimConfig() kernel.SimConfig {
	return kernel.SimConfig{HoldPackets: true, InjectMark: uint32(c.Kernel.InjectMark)}
}

// EngineConfig converts the engine block. Clock, logger, ring and metrics are
// left for the caller.
func (c *Config) EngineConfig() (engine.Config, error) {
	ec := engine.DefaultConfig()
	fields := []struct {
		src string
		dst *time.Duration
	}{
		{c.Engine.EndedRetention, &ec.EndedRetention},
		{c.Engine.IdleTimeout, &ec.IdleTimeout},
		{c.Engine.GCInterval, &ec.GCInterval},
		{c.Engine.BandwidthInterval, &ec.BandwidthInterval},
	}
	for _, f := range fields {
		d, err := ParseDuration(f.src)
		if err != nil {
			return engine.Config{}, err
		}
		if d > 0 || f.dst == &ec.BandwidthInterval {
			*f.dst = d
		}
	}
	if c.Engine.GCBatch > 0 {
		ec.GCBatch = c.Engine.GCBatch
	}
	if c.Engine.AdoptUnknown != nil {
		ec.AdoptUnknown = *c.Engine.AdoptUnknown
	}
	return ec, nil
}

// RuleStatsInterval returns the nftables counter scrape period.
func (c *Config) RuleStatsInterval() time.Duration {
	d, _ := ParseDuration(c.API.RuleStatsInterval)
	return d
}
