// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"math"
	"net/netip"
	"strings"
	"time"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/install"
	"grimm.is/flowguard/internal/kernel"
)

const (
	ProviderLinux = "linux"
	ProviderSim   = "sim"

	DefaultListen = "127.0.0.1:9717"
)

// ApplyDefaults fills every empty field with its default.
func (c *Config) ApplyDefaults() {
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.RingSize == 0 {
		c.Log.RingSize = 1024
	}
	if c.Log.RingLevel == "" {
		c.Log.RingLevel = "warn"
	}

	k := kernel.DefaultLinuxConfig()
	if c.Kernel == nil {
		c.Kernel = &KernelConfig{}
	}
	if c.Kernel.Provider == "" {
		c.Kernel.Provider = ProviderLinux
	}
	if c.Kernel.Table == "" {
		c.Kernel.Table = k.TableName
	}
	if c.Kernel.QueueOut == 0 {
		c.Kernel.QueueOut = int(k.QueueOut)
	}
	if c.Kernel.QueueIn == 0 {
		c.Kernel.QueueIn = int(k.QueueIn)
	}
	if c.Kernel.MaxQueueLen == 0 {
		c.Kernel.MaxQueueLen = int(k.MaxQueueLen)
	}
	if c.Kernel.InjectMark == 0 {
		c.Kernel.InjectMark = int(k.InjectMark)
	}
	if c.Kernel.RejectMark == 0 {
		c.Kernel.RejectMark = int(k.RejectMark)
	}
	if c.Kernel.ConntrackWorkers == 0 {
		c.Kernel.ConntrackWorkers = int(k.ConntrackWorkers)
	}
	if c.Kernel.ReadTimeout == "" {
		c.Kernel.ReadTimeout = k.Timeout.String()
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.Engine.EndedRetention == "" {
		c.Engine.EndedRetention = connection.DefaultEndedRetention.String()
	}
	if c.Engine.IdleTimeout == "" {
		c.Engine.IdleTimeout = connection.DefaultIdleTimeout.String()
	}
	if c.Engine.GCInterval == "" {
		c.Engine.GCInterval = "30s"
	}
	if c.Engine.GCBatch == 0 {
		c.Engine.GCBatch = 512
	}
	if c.Engine.AdoptUnknown == nil {
		// nfqueue sees established traffic of flows that predate the daemon.
		adopt := c.Kernel.Provider == ProviderLinux
		c.Engine.AdoptUnknown = &adopt
	}

	if c.Control == nil {
		c.Control = &ControlConfig{}
	}
	if c.Control.Socket == "" {
		c.Control.Socket = install.GetSocketPath()
	}
	if c.Control.QueueSize == 0 {
		c.Control.QueueSize = 4096
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
	if c.API.RuleStatsInterval == "" {
		c.API.RuleStatsInterval = "15s"
	}

	if c.Policy == nil {
		c.Policy = &PolicyConfig{}
	}
	if c.Policy.DefaultVerdict == "" {
		c.Policy.DefaultVerdict = "block"
	}
}

// Validate checks the configuration. Defaults must have been applied.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Attr(errors.New(errors.KindValidation, "invalid log level"), "level", c.Log.Level)
	}
	if c.Log.RingSize < 0 {
		return errors.New(errors.KindValidation, "log ring_size must not be negative")
	}

	switch c.Kernel.Provider {
	case ProviderLinux, ProviderSim:
	default:
		return errors.Attr(errors.New(errors.KindValidation, "unknown kernel provider"), "provider", c.Kernel.Provider)
	}
	for name, v := range map[string]int{"queue_out": c.Kernel.QueueOut, "queue_in": c.Kernel.QueueIn} {
		if v < 0 || v > math.MaxUint16 {
			return errors.Errorf(errors.KindValidation, "kernel %s out of range: %d", name, v)
		}
	}
	for name, v := range map[string]int{"inject_mark": c.Kernel.InjectMark, "reject_mark": c.Kernel.RejectMark, "max_queue_len": c.Kernel.MaxQueueLen} {
		if v < 0 || int64(v) > math.MaxUint32 {
			return errors.Errorf(errors.KindValidation, "kernel %s out of range: %d", name, v)
		}
	}
	if c.Kernel.QueueOut == c.Kernel.QueueIn {
		return errors.Errorf(errors.KindValidation, "kernel queue_out and queue_in must differ (both %d)", c.Kernel.QueueIn)
	}
	if c.Kernel.InjectMark == c.Kernel.RejectMark {
		return errors.Errorf(errors.KindValidation, "kernel inject_mark and reject_mark must differ (both %d)", c.Kernel.InjectMark)
	}
	if c.Kernel.ConntrackWorkers < 0 || c.Kernel.ConntrackWorkers > math.MaxUint8 {
		return errors.Errorf(errors.KindValidation, "kernel conntrack_workers out of range: %d", c.Kernel.ConntrackWorkers)
	}

	durations := map[string]string{
		"kernel.read_timeout":       c.Kernel.ReadTimeout,
		"engine.ended_retention":    c.Engine.EndedRetention,
		"engine.idle_timeout":       c.Engine.IdleTimeout,
		"engine.gc_interval":        c.Engine.GCInterval,
		"engine.bandwidth_interval": c.Engine.BandwidthInterval,
		"api.rule_stats_interval":   c.API.RuleStatsInterval,
	}
	for name, s := range durations {
		if _, err := ParseDuration(s); err != nil {
			return errors.Attr(err, "field", name)
		}
	}
	if c.Engine.GCBatch < 0 {
		return errors.New(errors.KindValidation, "engine gc_batch must not be negative")
	}
	if c.Control.QueueSize < 1 {
		return errors.New(errors.KindValidation, "control queue_size must be positive")
	}

	if _, err := connection.ParseVerdictName(c.Policy.DefaultVerdict); err != nil {
		return errors.Wrap(err, errors.KindValidation, "policy default_verdict")
	}
	seen := make(map[string]bool, len(c.Policy.Rules))
	for _, r := range c.Policy.Rules {
		if seen[r.Name] {
			return errors.Attr(errors.New(errors.KindValidation, "duplicate policy rule"), "rule", r.Name)
		}
		seen[r.Name] = true
		if err := r.Validate(); err != nil {
			return errors.Attr(err, "rule", r.Name)
		}
	}
	return nil
}

// Validate checks one rule.
func (r PolicyRule) Validate() error {
	if _, err := connection.ParseVerdictName(r.Verdict); err != nil {
		return err
	}
	switch strings.ToLower(r.Protocol) {
	case "", "tcp", "udp", "icmp", "icmpv6":
	default:
		return errors.Attr(errors.New(errors.KindValidation, "unknown protocol"), "protocol", r.Protocol)
	}
	switch strings.ToLower(r.Direction) {
	case "", "inbound", "outbound":
	default:
		return errors.Attr(errors.New(errors.KindValidation, "unknown direction"), "direction", r.Direction)
	}
	for _, s := range []string{r.RemoteIP, r.LocalIP} {
		if s == "" {
			continue
		}
		if _, err := ParsePrefix(s); err != nil {
			return err
		}
	}
	ports := append([]int{r.RemotePort, r.LocalPort}, r.RemotePorts...)
	ports = append(ports, r.LocalPorts...)
	for _, p := range ports {
		if p < 0 || p > math.MaxUint16 {
			return errors.Errorf(errors.KindValidation, "port out of range: %d", p)
		}
	}
	if r.ProcessID < 0 {
		return errors.New(errors.KindValidation, "process_id must not be negative")
	}
	return nil
}

// ParseDuration parses a Go duration string. The empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindValidation, "invalid duration")
	}
	if d < 0 {
		return 0, errors.Attr(errors.New(errors.KindValidation, "negative duration"), "value", s)
	}
	return d, nil
}

// ParsePrefix parses a CIDR or a single address, which becomes a host prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, errors.Wrap(err, errors.KindValidation, "invalid prefix")
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Wrap(err, errors.KindValidation, "invalid address")
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
