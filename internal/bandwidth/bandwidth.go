// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bandwidth accumulates per-flow byte counters between reports.
package bandwidth

import (
	"net/netip"
	"slices"
	"sync"

	"grimm.is/flowguard/internal/flow"
)

// Key identifies a flow inside one (protocol, family) table.
type Key struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Value holds the bytes counted since the last drain.
type Value struct {
	ReceivedBytes    uint64
	TransmittedBytes uint64
}

// Stat is one drained entry.
type Stat struct {
	Key
	Value
}

type table struct {
	mu    sync.Mutex
	stats map[Key]Value
}

// Tables keeps one independently locked table per (protocol, family) pair.
// Flows of other protocols are not counted.
type Tables struct {
	tcp4, tcp6, udp4, udp6 table
}

// New creates empty tables.
func New() *Tables {
	t := &Tables{}
	for _, tb := range t.all() {
		tb.stats = make(map[Key]Value)
	}
	return t
}

func (t *Tables) all() []*table {
	return []*table{&t.tcp4, &t.tcp6, &t.udp4, &t.udp6}
}

func (t *Tables) table(p flow.Protocol, f flow.Family) *table {
	switch {
	case p == flow.ProtocolTCP && f == flow.IPv4:
		return &t.tcp4
	case p == flow.ProtocolTCP && f == flow.IPv6:
		return &t.tcp6
	case p == flow.ProtocolUDP && f == flow.IPv4:
		return &t.udp4
	case p == flow.ProtocolUDP && f == flow.IPv6:
		return &t.udp6
	default:
		return nil
	}
}

func keyOf(k flow.Key) Key {
	return Key{LocalAddr: k.LocalAddr, LocalPort: k.LocalPort, RemoteAddr: k.RemoteAddr, RemotePort: k.RemotePort}
}

func (t *Tables) add(k flow.Key, rx, tx uint64) bool {
	tb := t.table(k.Protocol, k.Family())
	if tb == nil {
		return false
	}
	key := keyOf(k)
	tb.mu.Lock()
	v := tb.stats[key]
	v.ReceivedBytes += rx
	v.TransmittedBytes += tx
	tb.stats[key] = v
	tb.mu.Unlock()
	return true
}

// AddTx counts bytes sent by the local endpoint. It reports false for
// protocols that are not tracked.
func (t *Tables) AddTx(k flow.Key, n uint64) bool {
	return t.add(k, 0, n)
}

// AddRx counts bytes received by the local endpoint.
func (t *Tables) AddRx(k flow.Key, n uint64) bool {
	return t.add(k, n, 0)
}

// Drain swaps out one table and returns its entries ordered by key. Counting
// continues into the fresh table while the caller reports the old one.
func (t *Tables) Drain(p flow.Protocol, f flow.Family) []Stat {
	tb := t.table(p, f)
	if tb == nil {
		return nil
	}
	tb.mu.Lock()
	if len(tb.stats) == 0 {
		tb.mu.Unlock()
		return nil
	}
	old := tb.stats
	tb.stats = make(map[Key]Value)
	tb.mu.Unlock()

	out := make([]Stat, 0, len(old))
	for k, v := range old {
		out = append(out, Stat{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b Stat) int {
		if c := a.LocalAddr.Compare(b.LocalAddr); c != 0 {
			return c
		}
		if a.LocalPort != b.LocalPort {
			return int(a.LocalPort) - int(b.LocalPort)
		}
		if c := a.RemoteAddr.Compare(b.RemoteAddr); c != 0 {
			return c
		}
		return int(a.RemotePort) - int(b.RemotePort)
	})
	return out
}

// Report is the drained content of one table.
type Report struct {
	Protocol flow.Protocol
	Family   flow.Family
	Stats    []Stat
}

// DrainAll drains every non-empty table.
func (t *Tables) DrainAll() []Report {
	var reports []Report
	for _, p := range []flow.Protocol{flow.ProtocolTCP, flow.ProtocolUDP} {
		for _, f := range []flow.Family{flow.IPv4, flow.IPv6} {
			if stats := t.Drain(p, f); len(stats) > 0 {
				reports = append(reports, Report{Protocol: p, Family: f, Stats: stats})
			}
		}
	}
	return reports
}

// Len returns the number of flows currently counted across all tables.
func (t *Tables) Len() int {
	n := 0
	for _, tb := range t.all() {
		tb.mu.Lock()
		n += len(tb.stats)
		tb.mu.Unlock()
	}
	return n
}
