// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"grimm.is/flowguard/internal/flow"
)

// AuthEvent is a connection-level callout: an outbound connect or an inbound
// accept.
type AuthEvent struct {
	Key       flow.Key
	Direction flow.Direction
	// ProcessID is 0 when the provider could not attribute the flow.
	ProcessID      uint64
	EndpointHandle uint64
	// Reauthorize is set when the OS asks again about a flow it already saw,
	// for example after a policy change.
	Reauthorize bool
	Mark        uint32
	// Packet is the triggering packet for providers that cannot keep it parked
	// themselves. The core then holds a copy and re-injects it once decided.
	Packet []byte
	Inject InjectInfo
}

// PacketEvent is a packet-level callout.
type PacketEvent struct {
	Data      []byte
	Direction flow.Direction
	Mark      uint32
	Inject    InjectInfo
}

type chained struct {
	Classification
	next func()
}

// Permit hands the packet on to the packet layer instead of deciding.
func (c *chained) Permit() { c.next() }

// Dispatch runs one intercepted packet through the connection layer and then,
// if the connection layer permits it, through the packet layer, which makes
// the final decision. Either event may be nil to skip that layer.
func Dispatch(h Handler, auth *AuthEvent, pkt *PacketEvent, c Classification) {
	switch {
	case auth == nil:
		h.HandlePacket(pkt, c)
	case pkt == nil:
		h.HandleAuth(auth, c)
	default:
		h.HandleAuth(auth, &chained{Classification: c, next: func() { h.HandlePacket(pkt, c) }})
	}
}
