// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connection

import (
	"net/netip"
	"time"

	"grimm.is/flowguard/internal/flow"
)

const (
	// NameServerPort is the port of the local resolver.
	NameServerPort uint16 = 53
	// TunnelPort is the port of the local tunnel entry.
	TunnelPort uint16 = 717
)

// Record is the mutable state of one flow. Records live inside an Index shard;
// callers only ever see them inside a lock scope or as clones.
type Record struct {
	Protocol   flow.Protocol
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16

	Verdict        Verdict
	ProcessID      uint64 // 0 when unknown
	Direction      flow.Direction
	EndpointHandle uint64

	CreatedAt      time.Time
	LastAccessedAt time.Time
	EndedAt        time.Time // zero while the flow is active

	ReceivedBytes    uint64
	TransmittedBytes uint64
}

// NewRecord creates an Undecided record for key.
func NewRecord(key flow.Key, direction flow.Direction, processID uint64, now time.Time) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &Record{
		Protocol:       key.Protocol,
		LocalAddr:      key.LocalAddr,
		LocalPort:      key.LocalPort,
		RemoteAddr:     key.RemoteAddr,
		RemotePort:     key.RemotePort,
		Verdict:        Undecided,
		ProcessID:      processID,
		Direction:      direction,
		CreatedAt:      now,
		LastAccessedAt: now,
	}, nil
}

// Key returns the flow key of the record.
func (r *Record) Key() flow.Key {
	return flow.Key{
		Protocol:   r.Protocol,
		LocalAddr:  r.LocalAddr,
		LocalPort:  r.LocalPort,
		RemoteAddr: r.RemoteAddr,
		RemotePort: r.RemotePort,
	}
}

// Ended reports whether the flow has been closed.
func (r *Record) Ended() bool {
	return !r.EndedAt.IsZero()
}

// Clone returns a detached copy.
func (r *Record) Clone() Record {
	return *r
}

// RemoteEquals reports whether key targets the record's remote endpoint.
func (r *Record) RemoteEquals(key flow.Key) bool {
	return r.RemotePort == key.RemotePort && r.RemoteAddr == key.RemoteAddr
}

// RedirectEquals reports whether key is a packet of this flow after it was
// redirected, i.e. its remote endpoint is the redirect target.
func (r *Record) RedirectEquals(key flow.Key) bool {
	if key.Family() != flow.FamilyOf(r.LocalAddr) {
		return false
	}
	switch r.Verdict {
	case RedirectNameServer:
		return key.RemotePort == NameServerPort && key.RemoteAddr.IsLoopback()
	case RedirectTunnel:
		return key.RemotePort == TunnelPort && key.LocalAddr == key.RemoteAddr
	default:
		return false
	}
}

// RedirectInfo describes how to rewrite packets of a redirected flow.
type RedirectInfo struct {
	LocalAddr    netip.Addr
	RemoteAddr   netip.Addr
	RemotePort   uint16
	RedirectAddr netip.Addr
	RedirectPort uint16
	// Unify turns traffic back on itself: the destination becomes the packet's
	// own source address.
	Unify bool
}

// RedirectInfo derives the rewrite parameters for redirect verdicts.
func (r *Record) RedirectInfo() (RedirectInfo, bool) {
	info := RedirectInfo{
		LocalAddr:  r.LocalAddr,
		RemoteAddr: r.RemoteAddr,
		RemotePort: r.RemotePort,
	}
	switch r.Verdict {
	case RedirectNameServer:
		info.RedirectAddr = flow.FamilyOf(r.LocalAddr).Loopback()
		info.RedirectPort = NameServerPort
	case RedirectTunnel:
		info.RedirectAddr = r.LocalAddr
		info.RedirectPort = TunnelPort
		info.Unify = true
	default:
		return RedirectInfo{}, false
	}
	return info, true
}
