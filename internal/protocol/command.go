// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"io"
	"net/netip"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

// CommandType identifies a record sent by the policy process.
type CommandType uint8

const (
	CommandShutdown CommandType = 0
	CommandVerdict  CommandType = 1
	// 2 and 3 carried explicit redirect targets in older policy versions.
	CommandUpdateV4          CommandType = 4
	CommandUpdateV6          CommandType = 5
	CommandClearCache        CommandType = 6
	CommandGetLogs           CommandType = 7
	CommandGetBandwidthStats CommandType = 8
	CommandPrintMemoryStats  CommandType = 9
)

func (t CommandType) String() string {
	switch t {
	case CommandShutdown:
		return "shutdown"
	case CommandVerdict:
		return "verdict"
	case CommandUpdateV4:
		return "update_v4"
	case CommandUpdateV6:
		return "update_v6"
	case CommandClearCache:
		return "clear_cache"
	case CommandGetLogs:
		return "get_logs"
	case CommandGetBandwidthStats:
		return "get_bandwidth_stats"
	case CommandPrintMemoryStats:
		return "print_memory_stats"
	default:
		return "unknown"
	}
}

// Command is a record sent by the policy process.
type Command interface {
	CommandType() CommandType
	body() []byte
}

type (
	// Shutdown asks the core to release every parked packet and stop.
	Shutdown struct{}
	// ClearCache drops every cached connection so all flows are re-decided.
	ClearCache struct{}
	// GetLogs asks for the buffered log lines.
	GetLogs struct{}
	// GetBandwidthStats asks for an immediate bandwidth report.
	GetBandwidthStats struct{}
	// PrintMemoryStats asks the core to log its table sizes.
	PrintMemoryStats struct{}
)

func (Shutdown) CommandType() CommandType          { return CommandShutdown }
func (ClearCache) CommandType() CommandType        { return CommandClearCache }
func (GetLogs) CommandType() CommandType           { return CommandGetLogs }
func (GetBandwidthStats) CommandType() CommandType { return CommandGetBandwidthStats }
func (PrintMemoryStats) CommandType() CommandType  { return CommandPrintMemoryStats }

func (Shutdown) body() []byte          { return nil }
func (ClearCache) body() []byte        { return nil }
func (GetLogs) body() []byte           { return nil }
func (GetBandwidthStats) body() []byte { return nil }
func (PrintMemoryStats) body() []byte  { return nil }

// Verdict answers a Connection info by its pending id. The verdict value is
// carried raw; the receiver validates it.
type Verdict struct {
	ID      uint64
	Verdict uint8
}

func (Verdict) CommandType() CommandType { return CommandVerdict }

func (v Verdict) body() []byte {
	return encodeFixed(&v)
}

// Update changes the verdict of an already cached flow.
type Update struct {
	Key     flow.Key
	Verdict uint8
}

func (u Update) CommandType() CommandType {
	if u.Key.Family() == flow.IPv6 {
		return CommandUpdateV6
	}
	return CommandUpdateV4
}

type updateV4 struct {
	Protocol   uint8
	LocalIP    [4]byte
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
	Verdict    uint8
}

type updateV6 struct {
	Protocol   uint8
	LocalIP    [16]byte
	LocalPort  uint16
	RemoteIP   [16]byte
	RemotePort uint16
	Verdict    uint8
}

func (u Update) body() []byte {
	k := u.Key
	if u.CommandType() == CommandUpdateV6 {
		return encodeFixed(&updateV6{
			Protocol: uint8(k.Protocol),
			LocalIP:  addr16(k.LocalAddr), LocalPort: k.LocalPort,
			RemoteIP: addr16(k.RemoteAddr), RemotePort: k.RemotePort,
			Verdict: u.Verdict,
		})
	}
	return encodeFixed(&updateV4{
		Protocol: uint8(k.Protocol),
		LocalIP:  addr4(k.LocalAddr), LocalPort: k.LocalPort,
		RemoteIP: addr4(k.RemoteAddr), RemotePort: k.RemotePort,
		Verdict: u.Verdict,
	})
}

// WriteCommand frames and writes cmd.
func WriteCommand(w io.Writer, cmd Command) error {
	return writeFrame(w, uint8(cmd.CommandType()), cmd.body())
}

// ReadCommand reads one framed command.
func ReadCommand(r io.Reader) (Command, error) {
	typ, body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeCommand(CommandType(typ), body)
}

func expectEmpty(cmd Command, body []byte) (Command, error) {
	if len(body) != 0 {
		return nil, errors.Attr(errors.Wrap(ErrBodySize, errors.KindValidation, "decode command"), "command", cmd.CommandType().String())
	}
	return cmd, nil
}

func decodeCommand(typ CommandType, body []byte) (Command, error) {
	switch typ {
	case CommandShutdown:
		return expectEmpty(Shutdown{}, body)
	case CommandClearCache:
		return expectEmpty(ClearCache{}, body)
	case CommandGetLogs:
		return expectEmpty(GetLogs{}, body)
	case CommandGetBandwidthStats:
		return expectEmpty(GetBandwidthStats{}, body)
	case CommandPrintMemoryStats:
		return expectEmpty(PrintMemoryStats{}, body)

	case CommandVerdict:
		var v Verdict
		if err := decodeFixed(body, &v); err != nil {
			return nil, err
		}
		return v, nil

	case CommandUpdateV4:
		var w updateV4
		if err := decodeFixed(body, &w); err != nil {
			return nil, err
		}
		return Update{
			Key: flow.Key{
				Protocol:  flow.Protocol(w.Protocol),
				LocalAddr: netip.AddrFrom4(w.LocalIP), LocalPort: w.LocalPort,
				RemoteAddr: netip.AddrFrom4(w.RemoteIP), RemotePort: w.RemotePort,
			},
			Verdict: w.Verdict,
		}, nil

	case CommandUpdateV6:
		var w updateV6
		if err := decodeFixed(body, &w); err != nil {
			return nil, err
		}
		return Update{
			Key: flow.Key{
				Protocol:  flow.Protocol(w.Protocol),
				LocalAddr: netip.AddrFrom16(w.LocalIP), LocalPort: w.LocalPort,
				RemoteAddr: netip.AddrFrom16(w.RemoteIP), RemotePort: w.RemotePort,
			},
			Verdict: w.Verdict,
		}, nil

	default:
		return nil, errors.Attr(errors.Wrap(ErrUnknownType, errors.KindUnsupported, "read command"), "type", uint8(typ))
	}
}
