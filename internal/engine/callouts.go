// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"net/netip"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/packet"
	"grimm.is/flowguard/internal/protocol"
)

const (
	layerConnection = "connection"
	layerPacket     = "packet"
)

var _ kernel.Handler = (*Engine)(nil)

// apply carries out a final action and counts it.
func (e *Engine) apply(layer string, c kernel.Classification, a connection.Action) {
	e.metrics.Classifications.WithLabelValues(layer, a.String()).Inc()
	switch a {
	case connection.ActionPermit:
		c.Permit()
	case connection.ActionBlock:
		c.Block()
	default:
		c.Absorb()
	}
}

func connectionInfo(id uint64, key flow.Key, direction flow.Direction, processID uint64) protocol.Connection {
	return protocol.Connection{
		ID:        id,
		ProcessID: processID,
		Direction: direction,
		Protocol:  key.Protocol,
		Local:     netip.AddrPortFrom(key.LocalAddr, key.LocalPort),
		Remote:    netip.AddrPortFrom(key.RemoteAddr, key.RemotePort),
	}
}

// HandleAuth classifies a connection-level callout.
//
// Known flows resolve from the cache. Unknown and undecided flows are parked
// and announced to policy with a fresh pending id. A re-authorization of a flow
// whose verdict is not permanent goes back to policy as well.
func (e *Engine) HandleAuth(ev *kernel.AuthEvent, c kernel.Classification) {
	if e.injector.WasInjected(ev.Mark) {
		e.apply(layerConnection, c, connection.ActionPermit)
		return
	}

	// Only TCP and UDP are tracked. Everything else is reported and let through.
	if !ev.Key.Protocol.HasPorts() {
		_ = e.emit(connectionInfo(0, ev.Key, ev.Direction, ev.ProcessID))
		e.apply(layerConnection, c, connection.ActionPermit)
		return
	}

	type cached struct {
		verdict connection.Verdict
		ended   bool
	}
	hit, found := connection.ReadValue(e.conns, ev.Key, func(r *connection.Record) cached {
		if r.ProcessID == 0 && ev.ProcessID != 0 {
			r.ProcessID = ev.ProcessID
		}
		return cached{verdict: r.Verdict, ended: r.Ended()}
	})
	verdict := hit.verdict

	switch {
	case !found:
		// A re-authorized flow we never saw gets its record once the verdict
		// arrives.
		e.park(ev, c, !ev.Reauthorize)
	case hit.ended:
		// An ended record only serves late packets. A new connection on the
		// same tuple is decided again and its record replaces the old one.
		e.park(ev, c, true)
	case verdict == connection.Undecided:
		e.park(ev, c, false)
	case ev.Reauthorize && !verdict.IsPermanent():
		e.park(ev, c, false)
	default:
		e.apply(layerConnection, c, verdict.Action())
	}
}

// park holds c until policy answers. With insert set an Undecided record is
// added before the request is sent, so the verdict always finds it.
func (e *Engine) park(ev *kernel.AuthEvent, c kernel.Classification, insert bool) {
	if e.isShutdown() {
		e.apply(layerConnection, c, connection.ActionAbsorb)
		return
	}

	token, err := c.Pend()
	if err != nil {
		e.metrics.PendFailures.Inc()
		e.log.Error("failed to pend classification", "flow", ev.Key.String(), "error", err)
		e.apply(layerConnection, c, connection.ActionBlock)
		return
	}

	now := e.clock.Now()
	p := &parked{
		key:       ev.Key,
		direction: ev.Direction,
		processID: ev.ProcessID,
		token:     token,
		inject:    ev.Inject,
		parkedAt:  now,
	}
	if ev.Packet != nil {
		p.packet = packet.Clone(ev.Packet)
	}
	// Shutdown drains the pending cache under e.mu, so an entry pushed here is
	// either drained by it or never pushed at all.
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		token.Abort()
		return
	}
	id := e.pending.Push(p)
	e.mu.Unlock()
	e.metrics.Classifications.WithLabelValues(layerConnection, connection.ActionPending.String()).Inc()

	if insert {
		rec, err := connection.NewRecord(ev.Key, ev.Direction, ev.ProcessID, now)
		if err == nil {
			rec.EndpointHandle = ev.EndpointHandle
			err = e.conns.Add(rec)
		}
		if err != nil {
			e.log.Error("failed to add connection", "flow", ev.Key.String(), "error", err)
		}
	}

	if err := e.emit(connectionInfo(id, ev.Key, ev.Direction, ev.ProcessID)); err != nil {
		// Nobody will ever answer this id.
		if p, ok := e.pending.Pop(id); ok {
			p.token.Abort()
		}
		return
	}
	e.metrics.RequestsSent.Inc()
	e.log.Debug("connection pending", "id", id, "flow", ev.Key.String(), "direction", ev.Direction.String(), "pid", ev.ProcessID)
}

// HandlePacket classifies a packet-level callout from the cached verdict,
// counts its bytes and rewrites packets of redirected flows.
func (e *Engine) HandlePacket(ev *kernel.PacketEvent, c kernel.Classification) {
	if e.injector.WasInjected(ev.Mark) {
		e.apply(layerPacket, c, connection.ActionPermit)
		return
	}

	key, err := packet.ParseKey(ev.Data, ev.Direction)
	if err != nil {
		if errors.IsKind(err, errors.KindUnsupported) {
			e.apply(layerPacket, c, connection.ActionPermit)
			return
		}
		e.log.Debug("dropping malformed packet", "error", err)
		e.apply(layerPacket, c, connection.ActionAbsorb)
		return
	}
	if !key.Protocol.HasPorts() {
		e.apply(layerPacket, c, connection.ActionPermit)
		return
	}

	inbound := ev.Direction == flow.Inbound
	size := uint64(len(ev.Data))

	var (
		verdict  connection.Verdict
		info     connection.RedirectInfo
		redirect bool
		recKey   flow.Key
	)
	found := e.conns.Read(key, func(r *connection.Record) {
		verdict = r.Verdict
		info, redirect = r.RedirectInfo()
		recKey = r.Key()
		if inbound {
			r.ReceivedBytes += size
		} else {
			r.TransmittedBytes += size
		}
	})

	if !found {
		switch {
		case inbound:
			e.apply(layerPacket, c, connection.ActionPermit)
		case e.cfg.AdoptUnknown:
			e.adopt(key, ev, c)
		default:
			e.apply(layerPacket, c, connection.ActionAbsorb)
		}
		return
	}

	if inbound {
		e.bandwidth.AddRx(recKey, size)
		e.metrics.BandwidthBytes.WithLabelValues(recKey.Protocol.String(), "rx").Add(float64(size))
	} else {
		e.bandwidth.AddTx(recKey, size)
		e.metrics.BandwidthBytes.WithLabelValues(recKey.Protocol.String(), "tx").Add(float64(size))
	}

	switch {
	case redirect:
		if e.redirect(ev.Data, info, verdict, inbound, ev.Inject) {
			e.apply(layerPacket, c, connection.ActionAbsorb)
		} else {
			e.apply(layerPacket, c, connection.ActionBlock)
		}
	case verdict == connection.Undecided:
		e.apply(layerPacket, c, connection.ActionAbsorb)
	default:
		e.apply(layerPacket, c, verdict.Action())
	}
}

// adopt sends an outbound packet of an unknown flow to policy as if it were a
// new connection. Providers that may see established traffic without a
// preceding connection callout, such as nfqueue after a restart, need it.
func (e *Engine) adopt(key flow.Key, ev *kernel.PacketEvent, c kernel.Classification) {
	var pid uint64
	if r, ok := e.injector.(kernel.ProcessResolver); ok {
		pid, _ = r.ProcessID(key)
	}
	e.HandleAuth(&kernel.AuthEvent{
		Key:       key,
		Direction: ev.Direction,
		ProcessID: pid,
		Mark:      ev.Mark,
		Inject:    ev.Inject,
	}, c)
}

// redirect rewrites a packet of a redirected flow and injects the copy. It
// reports whether the copy was injected; failures are logged and counted.
func (e *Engine) redirect(data []byte, info connection.RedirectInfo, verdict connection.Verdict, inbound bool, inj kernel.InjectInfo) bool {
	out, err := packet.Redirect(packet.Clone(data), info, inbound)
	if err != nil {
		e.metrics.InjectFailures.Inc()
		e.log.Error("failed to rewrite packet", "verdict", verdict.String(), "error", err)
		return false
	}
	if !inbound {
		// Rewritten outbound packets target a local address.
		inj.Loopback = true
	}
	if err := e.injector.Inject(out, inj); err != nil {
		e.metrics.InjectFailures.Inc()
		e.log.Error("failed to inject redirected packet", "verdict", verdict.String(), "error", err)
		return false
	}
	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	e.metrics.Redirects.WithLabelValues(verdict.String(), direction).Inc()
	return true
}

// HandleEndpointClosure ends the flow of a closed socket.
func (e *Engine) HandleEndpointClosure(key flow.Key) {
	rec, ok := e.conns.End(key)
	if !ok {
		return
	}
	e.emitEnd(rec, rec.ProcessID, "closed")
}

// HandlePortRelease ends every flow on a local port released by processID.
func (e *Engine) HandlePortRelease(family flow.Family, pk flow.PortKey, processID uint64) {
	ended, ok := e.conns.EndAllOnPort(family, pk)
	if !ok {
		return
	}
	e.log.Debug("port released", "protocol", pk.Protocol.String(), "port", pk.Port, "flows", len(ended))
	for _, rec := range ended {
		e.emitEnd(rec, processID, "released")
	}
}
