// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel abstracts the OS facilities the interception core depends on.
// On Linux it wraps nfqueue, nftables, conntrack and procfs.
// In simulation mode it provides a deterministic in-memory implementation for tests.
package kernel

import (
	"context"

	"grimm.is/flowguard/internal/flow"
)

const (
	// DefaultInjectMark tags packets injected by this process so they are not
	// intercepted a second time.
	DefaultInjectMark uint32 = 0x464c0001
	// DefaultRejectMark tags packets that must be rejected by the ruleset.
	DefaultRejectMark uint32 = 0x464c0002
)

// Classification is the decision handle for one intercepted packet. Exactly
// one of Permit, Block, Absorb or Pend is called per classification.
type Classification interface {
	Permit()
	// Block rejects the packet so the local or remote endpoint learns about it.
	Block()
	// Absorb silently discards the packet.
	Absorb()
	// Pend holds the decision. The packet stays parked until the token is
	// completed or aborted.
	Pend() (Token, error)
}

// Token resumes a pended classification.
type Token interface {
	// Complete re-runs classification, which by then resolves from the cache.
	Complete()
	// Abort discards the parked packet. Used during rundown.
	Abort()
}

// InjectInfo describes where an injected packet enters the stack.
type InjectInfo struct {
	Inbound           bool
	Loopback          bool
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

// Injector sends packets built by the core back into the stack.
type Injector interface {
	Inject(data []byte, info InjectInfo) error
	// WasInjected reports whether a packet carrying mark was injected by us.
	WasInjected(mark uint32) bool
}

// Filters installs the interception points. Register is all or nothing.
type Filters interface {
	Register(ctx context.Context) error
	Unregister() error
}

// ProcessResolver maps a flow to the process that owns its local socket.
// Unknown owners resolve to 0 without an error.
type ProcessResolver interface {
	ProcessID(key flow.Key) (uint64, error)
	Executable(pid uint64) (string, error)
}

// Handler receives the callouts of a provider.
type Handler interface {
	HandleAuth(ev *AuthEvent, c Classification)
	HandlePacket(ev *PacketEvent, c Classification)
	HandleEndpointClosure(key flow.Key)
	HandlePortRelease(family flow.Family, pk flow.PortKey, processID uint64)
}

// Provider bundles every OS facility.
type Provider interface {
	Injector
	Filters
	ProcessResolver
	// Run delivers callouts to h until ctx is done.
	Run(ctx context.Context, h Handler) error
	Close() error
}
