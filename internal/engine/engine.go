// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine implements the callout decision logic. It classifies
// intercepted packets from the connection cache, parks first packets of
// unknown flows while policy decides, applies verdicts and rewrites packets of
// redirected flows.
package engine

import (
	"net/netip"
	"sync"
	"time"

	"grimm.is/flowguard/internal/bandwidth"
	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/pending"
	"grimm.is/flowguard/internal/protocol"
)

var (
	// ErrUnknownID is returned for verdicts that reference no parked packet.
	ErrUnknownID = errors.New(errors.KindNotFound, "verdict for unknown pending id")
	// ErrUnknownFlow is returned for updates of flows that are not cached.
	ErrUnknownFlow = errors.New(errors.KindNotFound, "update for unknown flow")
	// ErrShutdown is returned once the engine has been shut down.
	ErrShutdown = errors.New(errors.KindUnavailable, "engine is shut down")
)

// EventSink receives the events sent to the policy process.
type EventSink interface {
	Push(info protocol.Info) error
	// Rundown discards queued events and rejects further pushes.
	Rundown() int
}

// Config configures an Engine.
type Config struct {
	EndedRetention time.Duration
	IdleTimeout    time.Duration
	// GCInterval is the period of the garbage collection pass.
	GCInterval time.Duration
	// GCBatch bounds the idle evictions reported per pass.
	GCBatch int
	// BandwidthInterval is the period of unsolicited bandwidth reports.
	// Zero disables them; reports are then only sent on request.
	BandwidthInterval time.Duration
	// BandwidthBatch bounds the flows per bandwidth record. Zero packs as many
	// as one record can hold.
	BandwidthBatch int
	// AdoptUnknown sends outbound packets of uncached flows to policy instead
	// of absorbing them.
	AdoptUnknown bool

	Clock   clock.Clock
	Logger  *logging.Logger
	Ring    *logging.Ring
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		EndedRetention: connection.DefaultEndedRetention,
		IdleTimeout:    connection.DefaultIdleTimeout,
		GCInterval:     30 * time.Second,
		GCBatch:        512,
	}
}

// parked is one classification waiting for a verdict.
type parked struct {
	key       flow.Key
	direction flow.Direction
	processID uint64
	token     kernel.Token
	// packet is a copy of the triggering packet for providers that hand it
	// over. It is injected once the verdict permits it.
	packet   []byte
	inject   kernel.InjectInfo
	parkedAt time.Time
}

// Engine is the device context: every piece of state shared by the callouts.
type Engine struct {
	cfg      Config
	log      *logging.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	injector kernel.Injector
	events   EventSink

	conns     *connection.Cache
	pending   *pending.Cache[*parked]
	bandwidth *bandwidth.Tables

	mu       sync.Mutex
	shutdown bool
	done     chan struct{}
}

// New creates an engine. Events for policy are pushed to events and rewritten
// packets are sent through injector.
func New(cfg Config, injector kernel.Injector, events EventSink) *Engine {
	d := DefaultConfig()
	if cfg.EndedRetention <= 0 {
		cfg.EndedRetention = d.EndedRetention
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = d.GCInterval
	}
	if cfg.GCBatch <= 0 {
		cfg.GCBatch = d.GCBatch
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("engine")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}

	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		injector: injector,
		events:   events,
		conns: connection.NewCache(
			connection.WithClock(cfg.Clock),
			connection.WithRetention(cfg.EndedRetention, cfg.IdleTimeout),
		),
		pending:   pending.New[*parked](),
		bandwidth: bandwidth.New(),
		done:      make(chan struct{}),
	}
}

// Connections returns the connection cache.
func (e *Engine) Connections() *connection.Cache {
	return e.conns
}

// Bandwidth returns the bandwidth tables.
func (e *Engine) Bandwidth() *bandwidth.Tables {
	return e.bandwidth
}

// PendingEntry describes one parked classification.
type PendingEntry struct {
	ID        uint64         `json:"id"`
	Flow      string         `json:"flow"`
	Direction flow.Direction `json:"direction"`
	ProcessID uint64         `json:"process_id"`
	Captured  bool           `json:"captured"`
	ParkedAt  time.Time      `json:"parked_at"`
}

// Pending lists the parked classifications in id order.
func (e *Engine) Pending() []PendingEntry {
	var out []PendingEntry
	e.pending.Range(func(id uint64, p *parked) {
		out = append(out, PendingEntry{
			ID:        id,
			Flow:      p.key.String(),
			Direction: p.direction,
			ProcessID: p.processID,
			Captured:  p.packet != nil,
			ParkedAt:  p.parkedAt,
		})
	})
	return out
}

// Done is closed by Shutdown.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) isShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// emit queues an event for policy. Failures are logged and counted; the
// caller decides whether the flow can still make progress.
func (e *Engine) emit(info protocol.Info) error {
	if err := e.events.Push(info); err != nil {
		e.metrics.EventsDropped.Inc()
		e.log.Warn("failed to queue event", "type", info.InfoType().String(), "error", err)
		return err
	}
	return nil
}

func (e *Engine) emitEnd(rec connection.Record, processID uint64, reason string) {
	e.metrics.ConnectionsEnded.WithLabelValues(reason).Inc()
	_ = e.emit(protocol.ConnectionEnd{
		ProcessID: processID,
		Direction: rec.Direction,
		Protocol:  rec.Protocol,
		Local:     netip.AddrPortFrom(rec.LocalAddr, rec.LocalPort),
		Remote:    netip.AddrPortFrom(rec.RemoteAddr, rec.RemotePort),
	})
}
