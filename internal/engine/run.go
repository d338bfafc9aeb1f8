// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"time"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/metrics"
)

// Run drives the periodic work of the engine: garbage collection of the
// connection cache and, when configured, unsolicited bandwidth reports. It
// returns when ctx is done or the engine is shut down.
func (e *Engine) Run(ctx context.Context) error {
	gc := time.NewTicker(e.cfg.GCInterval)
	defer gc.Stop()

	var report <-chan time.Time
	if e.cfg.BandwidthInterval > 0 {
		t := time.NewTicker(e.cfg.BandwidthInterval)
		defer t.Stop()
		report = t.C
	}

	e.log.Info("engine started", "gc_interval", e.cfg.GCInterval, "bandwidth_interval", e.cfg.BandwidthInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case <-gc.C:
			e.GarbageCollect()
		case <-report:
			e.ReportBandwidth()
		}
	}
}

// GarbageCollect runs one GC pass and reports evicted idle flows as ended.
// It returns the number of reported evictions.
func (e *Engine) GarbageCollect() int {
	removed := e.conns.GarbageCollect(make([]connection.Record, 0, e.cfg.GCBatch))
	for _, rec := range removed {
		e.emitEnd(rec, rec.ProcessID, "idle")
	}
	if len(removed) > 0 {
		e.log.Debug("evicted idle connections", "count", len(removed))
	}
	return len(removed)
}

// Shutdown stops the engine. Every parked classification is aborted and the
// event queue is run down. Further calls are no-ops.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	aborted := e.pending.Drain()
	e.mu.Unlock()

	for _, p := range aborted {
		p.token.Abort()
	}
	discarded := e.events.Rundown()
	close(e.done)

	e.log.Info("engine shut down", "aborted", len(aborted), "discarded_events", discarded)
}

// Sample refreshes the gauges that mirror engine state. It is registered as a
// collector sampler.
func (e *Engine) Sample(m *metrics.Metrics) {
	m.PendingPackets.Set(float64(e.pending.Len()))
	m.Connections.WithLabelValues(flow.IPv4.String()).Set(float64(e.conns.Index(flow.IPv4).Count()))
	m.Connections.WithLabelValues(flow.IPv6.String()).Set(float64(e.conns.Index(flow.IPv6).Count()))
}
