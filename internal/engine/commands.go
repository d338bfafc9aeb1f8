// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"net/netip"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/protocol"
)

// Log line severities on the wire.
const (
	SeverityDebug    uint8 = 2
	SeverityInfo     uint8 = 3
	SeverityWarning  uint8 = 4
	SeverityError    uint8 = 5
	SeverityCritical uint8 = 6
)

// Severity maps a log level to its wire severity.
func Severity(l logging.Level) uint8 {
	switch {
	case l >= logging.LevelError:
		return SeverityError
	case l >= logging.LevelWarn:
		return SeverityWarning
	case l >= logging.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// HandleCommand executes one command received from policy.
func (e *Engine) HandleCommand(cmd protocol.Command) error {
	if _, ok := cmd.(protocol.Shutdown); !ok && e.isShutdown() {
		return ErrShutdown
	}
	switch c := cmd.(type) {
	case protocol.Shutdown:
		e.Shutdown()
	case protocol.Verdict:
		return e.HandleVerdict(c.ID, c.Verdict)
	case protocol.Update:
		return e.HandleUpdate(c.Key, c.Verdict)
	case protocol.ClearCache:
		e.conns.Clear()
		e.log.Info("connection cache cleared")
	case protocol.GetLogs:
		e.sendLogs()
	case protocol.GetBandwidthStats:
		e.ReportBandwidth()
	case protocol.PrintMemoryStats:
		e.log.Info("memory stats",
			"connections", e.conns.Count(),
			"v4_shards", e.conns.Index(flow.IPv4).ShardCount(),
			"v6_shards", e.conns.Index(flow.IPv6).ShardCount(),
			"pending", e.pending.Len(),
			"bandwidth_entries", e.bandwidth.Len(),
		)
	default:
		return errors.Errorf(errors.KindUnsupported, "unsupported command %T", cmd)
	}
	return nil
}

// HandleVerdict applies the verdict for a parked classification and resumes it.
// A captured first packet is injected when the verdict lets it through.
func (e *Engine) HandleVerdict(id uint64, raw uint8) error {
	p, ok := e.pending.Pop(id)
	if !ok {
		e.metrics.UnknownVerdicts.Inc()
		e.log.Error("verdict for unknown pending id", "id", id)
		return errors.Attr(errors.Wrap(ErrUnknownID, errors.KindNotFound, "apply verdict"), "id", id)
	}

	verdict, err := connection.ParseVerdict(raw)
	if err != nil {
		e.log.Error("invalid verdict", "id", id, "value", raw)
		p.token.Abort()
		return err
	}
	e.metrics.VerdictsReceived.WithLabelValues(verdict.String()).Inc()

	info, found := e.conns.UpdateVerdict(p.key, verdict)
	if !found {
		rec, err := connection.NewRecord(p.key, p.direction, p.processID, e.clock.Now())
		if err != nil {
			p.token.Abort()
			return err
		}
		rec.Verdict = verdict
		if ri, ok := rec.RedirectInfo(); ok {
			info = &ri
		}
		if err := e.conns.Add(rec); err != nil {
			e.log.Error("failed to add connection", "flow", p.key.String(), "error", err)
		}
	}

	if p.packet != nil {
		e.release(p, verdict, info)
	}

	e.log.Debug("verdict applied", "id", id, "flow", p.key.String(), "verdict", verdict.String())
	p.token.Complete()
	return nil
}

// release injects the captured first packet of a parked flow.
func (e *Engine) release(p *parked, verdict connection.Verdict, info *connection.RedirectInfo) {
	inbound := p.direction == flow.Inbound
	switch {
	case verdict == connection.Accept || verdict == connection.PermanentAccept:
		if err := e.injector.Inject(p.packet, p.inject); err != nil {
			e.metrics.InjectFailures.Inc()
			e.log.Error("failed to inject packet", "flow", p.key.String(), "error", err)
		}
	case verdict.IsRedirect() && info != nil:
		_ = e.redirect(p.packet, *info, verdict, inbound, p.inject)
	}
}

// HandleUpdate changes the verdict of a cached flow.
func (e *Engine) HandleUpdate(key flow.Key, raw uint8) error {
	verdict, err := connection.ParseVerdict(raw)
	if err != nil {
		return err
	}
	if _, found := e.conns.UpdateVerdict(key, verdict); !found {
		return errors.Attr(errors.Wrap(ErrUnknownFlow, errors.KindNotFound, "update verdict"), "flow", key.String())
	}
	e.log.Debug("verdict updated", "flow", key.String(), "verdict", verdict.String())
	return nil
}

func (e *Engine) sendLogs() {
	if e.cfg.Ring == nil {
		return
	}
	for _, line := range e.cfg.Ring.Flush() {
		if err := e.emit(protocol.LogLine{Severity: Severity(line.Level), Line: line.Message}); err != nil {
			return
		}
	}
}

// ReportBandwidth drains the bandwidth tables into events per non-empty
// (protocol, family) table. Large tables are split so each record stays
// below the wire size limit.
func (e *Engine) ReportBandwidth() {
	for _, report := range e.bandwidth.DrainAll() {
		stats := protocol.BandwidthStats{
			Protocol: report.Protocol,
			Family:   report.Family,
			Values:   make([]protocol.BandwidthValue, 0, len(report.Stats)),
		}
		for _, s := range report.Stats {
			stats.Values = append(stats.Values, protocol.BandwidthValue{
				Local:            netip.AddrPortFrom(s.LocalAddr, s.LocalPort),
				Remote:           netip.AddrPortFrom(s.RemoteAddr, s.RemotePort),
				TransmittedBytes: s.TransmittedBytes,
				ReceivedBytes:    s.ReceivedBytes,
			})
		}
		for _, chunk := range stats.Split(e.cfg.BandwidthBatch) {
			_ = e.emit(chunk)
		}
	}
}
