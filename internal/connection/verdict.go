// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connection

import (
	"strings"

	"grimm.is/flowguard/internal/errors"
)

// Verdict is the firewall decision attached to a flow.
type Verdict uint8

const (
	// Undecided is the verdict of every new connection.
	Undecided Verdict = iota
	// Undeterminable blocks a flow whose owner could not be determined.
	Undeterminable
	Accept
	PermanentAccept
	Block
	PermanentBlock
	Drop
	PermanentDrop
	// RedirectNameServer sends the flow to the local resolver.
	RedirectNameServer
	// RedirectTunnel turns the flow back to the local tunnel entry.
	RedirectTunnel
	// Failed drops a flow whose evaluation failed.
	Failed
)

// ErrInvalidVerdict is returned for wire values outside the verdict range.
var ErrInvalidVerdict = errors.New(errors.KindValidation, "invalid verdict value")

// ParseVerdict converts a wire value into a Verdict.
func ParseVerdict(v uint8) (Verdict, error) {
	if Verdict(v) > Failed {
		return Undecided, errors.Attr(errors.Wrap(ErrInvalidVerdict, errors.KindValidation, "parse verdict"), "value", v)
	}
	return Verdict(v), nil
}

func (v Verdict) String() string {
	switch v {
	case Undecided:
		return "Undecided"
	case Undeterminable:
		return "Undeterminable"
	case Accept:
		return "Accept"
	case PermanentAccept:
		return "PermanentAccept"
	case Block:
		return "Block"
	case PermanentBlock:
		return "PermanentBlock"
	case Drop:
		return "Drop"
	case PermanentDrop:
		return "PermanentDrop"
	case RedirectNameServer:
		return "RedirectNameServer"
	case RedirectTunnel:
		return "RedirectTunnel"
	case Failed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// IsRedirect reports whether the verdict rewrites the flow's destination.
func (v Verdict) IsRedirect() bool {
	return v == RedirectNameServer || v == RedirectTunnel
}

// IsPermanent reports whether the flow is never sent back to policy, even when
// the OS re-authorizes it.
func (v Verdict) IsPermanent() bool {
	switch v {
	case PermanentAccept, PermanentBlock, PermanentDrop, RedirectNameServer, RedirectTunnel, Undeterminable:
		return true
	default:
		return false
	}
}

// Action is what the classifying layer does with a packet.
type Action uint8

const (
	// ActionPending means no final action is known yet.
	ActionPending Action = iota
	ActionPermit
	// ActionBlock rejects the packet so the peer learns about it.
	ActionBlock
	// ActionAbsorb silently discards the packet.
	ActionAbsorb
)

func (a Action) String() string {
	switch a {
	case ActionPermit:
		return "permit"
	case ActionBlock:
		return "block"
	case ActionAbsorb:
		return "absorb"
	default:
		return "pending"
	}
}

// Action maps a cached verdict to a classification action. Undecided maps to
// ActionPending; the caller decides whether to park the packet.
func (v Verdict) Action() Action {
	switch v {
	case Accept, PermanentAccept, RedirectNameServer, RedirectTunnel:
		return ActionPermit
	case Block, PermanentBlock, Undeterminable:
		return ActionBlock
	case Drop, PermanentDrop, Failed:
		return ActionAbsorb
	default:
		return ActionPending
	}
}

var verdictNames = map[string]Verdict{
	"undecided":           Undecided,
	"undeterminable":      Undeterminable,
	"accept":              Accept,
	"permanent_accept":    PermanentAccept,
	"block":               Block,
	"permanent_block":     PermanentBlock,
	"drop":                Drop,
	"permanent_drop":      PermanentDrop,
	"redirect_nameserver": RedirectNameServer,
	"redirect_tunnel":     RedirectTunnel,
	"failed":              Failed,
}

// ParseVerdictName converts a configuration name such as "permanent_accept"
// into a Verdict.
func ParseVerdictName(name string) (Verdict, error) {
	v, ok := verdictNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Undecided, errors.Attr(errors.Wrap(ErrInvalidVerdict, errors.KindValidation, "parse verdict name"), "name", name)
	}
	return v, nil
}
