// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net/netip"
	"slices"
	"strings"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/protocol"
)

// Rule is a compiled policy rule.
type Rule struct {
	Name    string
	Verdict connection.Verdict

	protocol     string
	direction    string
	remote       netip.Prefix
	invertRemote bool
	local        netip.Prefix
	invertLocal  bool
	remotePorts  []uint16
	localPorts   []uint16
	processID    uint64
}

func compile(r config.PolicyRule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	v, _ := connection.ParseVerdictName(r.Verdict)
	out := Rule{
		Name:         r.Name,
		Verdict:      v,
		protocol:     strings.ToLower(r.Protocol),
		direction:    strings.ToLower(r.Direction),
		invertRemote: r.InvertRemote,
		invertLocal:  r.InvertLocal,
		remotePorts:  ports(r.RemotePort, r.RemotePorts),
		localPorts:   ports(r.LocalPort, r.LocalPorts),
		processID:    uint64(r.ProcessID),
	}
	if r.RemoteIP != "" {
		out.remote, _ = config.ParsePrefix(r.RemoteIP)
	}
	if r.LocalIP != "" {
		out.local, _ = config.ParsePrefix(r.LocalIP)
	}
	return out, nil
}

func ports(single int, multiple []int) []uint16 {
	var out []uint16
	if single != 0 {
		out = append(out, uint16(single))
	}
	for _, p := range multiple {
		out = append(out, uint16(p))
	}
	return out
}

// Match checks if a connection request matches the rule.
func (r Rule) Match(c protocol.Connection) bool {
	if !MatchProtocol(r.protocol, c.Protocol) {
		return false
	}
	if r.direction != "" && r.direction != strings.ToLower(c.Direction.String()) {
		return false
	}
	if r.processID != 0 && r.processID != c.ProcessID {
		return false
	}
	if r.remote.IsValid() && MatchIP(r.remote, c.Remote.Addr()) == r.invertRemote {
		return false
	}
	if r.local.IsValid() && MatchIP(r.local, c.Local.Addr()) == r.invertLocal {
		return false
	}
	if !MatchPort(r.remotePorts, c.Remote.Port()) {
		return false
	}
	return MatchPort(r.localPorts, c.Local.Port())
}

// MatchProtocol checks if protocols match. An empty rule protocol matches any.
func MatchProtocol(ruleProto string, p flow.Protocol) bool {
	if ruleProto == "" {
		return true
	}
	return strings.EqualFold(ruleProto, p.String())
}

// MatchIP checks if an address belongs to a prefix. IPv4-mapped IPv6
// addresses match IPv4 prefixes.
func MatchIP(prefix netip.Prefix, addr netip.Addr) bool {
	return prefix.Contains(addr.Unmap())
}

// MatchPort checks if a port is listed. No ports match all.
func MatchPort(list []uint16, port uint16) bool {
	return len(list) == 0 || slices.Contains(list, port)
}
