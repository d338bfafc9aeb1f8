// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow defines the canonical identity of an intercepted flow.
package flow

import (
	"cmp"
	"fmt"
	"net/netip"

	"grimm.is/flowguard/internal/errors"
)

// Protocol is an IP protocol number.
type Protocol uint8

const (
	ProtocolICMP   Protocol = 1
	ProtocolTCP    Protocol = 6
	ProtocolUDP    Protocol = 17
	ProtocolICMPv6 Protocol = 58
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMPv6:
		return "icmpv6"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// HasPorts reports whether the protocol carries transport ports.
func (p Protocol) HasPorts() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Family is an IP address family.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as IPv6.
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() {
		return IPv4
	}
	return IPv6
}

// Loopback returns the canonical loopback address of the family.
func (f Family) Loopback() netip.Addr {
	if f == IPv6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// Direction tells whether the local endpoint initiated the flow.
type Direction uint8

const (
	Outbound Direction = 0
	Inbound  Direction = 1
)

func (d Direction) String() string {
	if d == Inbound {
		return "Inbound"
	}
	return "Outbound"
}

// ErrFamilyMismatch is returned when a key mixes IPv4 and IPv6 addresses.
var ErrFamilyMismatch = errors.New(errors.KindConstruction, "local and remote address families differ")

// Key identifies a flow from the local host's point of view.
type Key struct {
	Protocol   Protocol
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// NewKey builds a key and checks that both addresses are valid and share a family.
func NewKey(protocol Protocol, local netip.AddrPort, remote netip.AddrPort) (Key, error) {
	k := Key{
		Protocol:   protocol,
		LocalAddr:  local.Addr(),
		LocalPort:  local.Port(),
		RemoteAddr: remote.Addr(),
		RemotePort: remote.Port(),
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks the family invariant.
func (k Key) Validate() error {
	if !k.LocalAddr.IsValid() || !k.RemoteAddr.IsValid() {
		return errors.Attr(errors.New(errors.KindConstruction, "flow key has an invalid address"), "key", k.String())
	}
	if k.LocalAddr.Is4() != k.RemoteAddr.Is4() {
		return errors.Attr(errors.Wrap(ErrFamilyMismatch, errors.KindConstruction, "invalid flow key"), "key", k.String())
	}
	return nil
}

// Family returns the address family of the key.
func (k Key) Family() Family {
	return FamilyOf(k.LocalAddr)
}

// IsIPv6 reports whether the key is an IPv6 flow.
func (k Key) IsIPv6() bool {
	return k.Family() == IPv6
}

// IsLoopback reports whether the local address is a loopback address.
func (k Key) IsLoopback() bool {
	return k.LocalAddr.IsLoopback()
}

// Reverse swaps the local and remote endpoints.
func (k Key) Reverse() Key {
	return Key{
		Protocol:   k.Protocol,
		LocalAddr:  k.RemoteAddr,
		LocalPort:  k.RemotePort,
		RemoteAddr: k.LocalAddr,
		RemotePort: k.LocalPort,
	}
}

// Local returns the local endpoint.
func (k Key) Local() netip.AddrPort {
	return netip.AddrPortFrom(k.LocalAddr, k.LocalPort)
}

// Remote returns the remote endpoint.
func (k Key) Remote() netip.AddrPort {
	return netip.AddrPortFrom(k.RemoteAddr, k.RemotePort)
}

// Small returns the shard coordinates of the key.
func (k Key) Small() PortKey {
	return PortKey{Protocol: k.Protocol, Port: k.LocalPort}
}

// Compare orders keys by protocol, local address, local port, remote address
// and remote port.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.Protocol, o.Protocol); c != 0 {
		return c
	}
	if c := k.LocalAddr.Compare(o.LocalAddr); c != 0 {
		return c
	}
	if c := cmp.Compare(k.LocalPort, o.LocalPort); c != 0 {
		return c
	}
	if c := k.RemoteAddr.Compare(o.RemoteAddr); c != 0 {
		return c
	}
	return cmp.Compare(k.RemotePort, o.RemotePort)
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

func (k Key) String() string {
	return fmt.Sprintf("p: %s l: %s r: %s", k.Protocol, k.Local(), k.Remote())
}

// PortKey addresses all flows sharing a protocol and local port.
type PortKey struct {
	Protocol Protocol
	Port     uint16
}

func (p PortKey) String() string {
	return fmt.Sprintf("%d/%s", p.Port, p.Protocol)
}
