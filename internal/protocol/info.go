// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

// InfoType identifies a record sent to the policy process.
type InfoType uint8

const (
	InfoLogLine InfoType = iota
	InfoConnectionV4
	InfoConnectionV6
	InfoConnectionEndV4
	InfoConnectionEndV6
	InfoBandwidthStatsV4
	InfoBandwidthStatsV6
)

func (t InfoType) String() string {
	switch t {
	case InfoLogLine:
		return "log_line"
	case InfoConnectionV4:
		return "connection_v4"
	case InfoConnectionV6:
		return "connection_v6"
	case InfoConnectionEndV4:
		return "connection_end_v4"
	case InfoConnectionEndV6:
		return "connection_end_v6"
	case InfoBandwidthStatsV4:
		return "bandwidth_stats_v4"
	case InfoBandwidthStatsV6:
		return "bandwidth_stats_v6"
	default:
		return "unknown"
	}
}

// Info is a record sent to the policy process.
type Info interface {
	InfoType() InfoType
	body() []byte
}

// LogLine carries one buffered log line.
type LogLine struct {
	Severity uint8
	Line     string
}

func (LogLine) InfoType() InfoType { return InfoLogLine }

func (l LogLine) body() []byte {
	b := make([]byte, 0, 1+len(l.Line))
	b = append(b, l.Severity)
	return append(b, l.Line...)
}

// Connection asks policy for a verdict. ID is the pending id to answer with,
// or 0 for purely informational events.
type Connection struct {
	ID        uint64
	ProcessID uint64
	Direction flow.Direction
	Protocol  flow.Protocol
	Local     netip.AddrPort
	Remote    netip.AddrPort
}

func (c Connection) InfoType() InfoType {
	if familyOf(c.Local) == flow.IPv6 {
		return InfoConnectionV6
	}
	return InfoConnectionV4
}

// Key returns the flow key of the event.
func (c Connection) Key() flow.Key {
	return flow.Key{
		Protocol:   c.Protocol,
		LocalAddr:  c.Local.Addr(),
		LocalPort:  c.Local.Port(),
		RemoteAddr: c.Remote.Addr(),
		RemotePort: c.Remote.Port(),
	}
}

type connectionV4 struct {
	ID, ProcessID       uint64
	Direction, Protocol uint8
	LocalIP, RemoteIP   [4]byte
	LocalPort           uint16
	RemotePort          uint16
}

type connectionV6 struct {
	ID, ProcessID       uint64
	Direction, Protocol uint8
	LocalIP, RemoteIP   [16]byte
	LocalPort           uint16
	RemotePort          uint16
}

func (c Connection) body() []byte {
	if c.InfoType() == InfoConnectionV6 {
		return encodeFixed(&connectionV6{
			ID: c.ID, ProcessID: c.ProcessID,
			Direction: uint8(c.Direction), Protocol: uint8(c.Protocol),
			LocalIP: addr16(c.Local.Addr()), RemoteIP: addr16(c.Remote.Addr()),
			LocalPort: c.Local.Port(), RemotePort: c.Remote.Port(),
		})
	}
	return encodeFixed(&connectionV4{
		ID: c.ID, ProcessID: c.ProcessID,
		Direction: uint8(c.Direction), Protocol: uint8(c.Protocol),
		LocalIP: addr4(c.Local.Addr()), RemoteIP: addr4(c.Remote.Addr()),
		LocalPort: c.Local.Port(), RemotePort: c.Remote.Port(),
	})
}

// ConnectionEnd reports that a flow ended or was evicted.
type ConnectionEnd struct {
	ProcessID uint64
	Direction flow.Direction
	Protocol  flow.Protocol
	Local     netip.AddrPort
	Remote    netip.AddrPort
}

func (c ConnectionEnd) InfoType() InfoType {
	if familyOf(c.Local) == flow.IPv6 {
		return InfoConnectionEndV6
	}
	return InfoConnectionEndV4
}

type connectionEndV4 struct {
	ProcessID           uint64
	Direction, Protocol uint8
	LocalIP, RemoteIP   [4]byte
	LocalPort           uint16
	RemotePort          uint16
}

type connectionEndV6 struct {
	ProcessID           uint64
	Direction, Protocol uint8
	LocalIP, RemoteIP   [16]byte
	LocalPort           uint16
	RemotePort          uint16
}

func (c ConnectionEnd) body() []byte {
	if c.InfoType() == InfoConnectionEndV6 {
		return encodeFixed(&connectionEndV6{
			ProcessID: c.ProcessID,
			Direction: uint8(c.Direction), Protocol: uint8(c.Protocol),
			LocalIP: addr16(c.Local.Addr()), RemoteIP: addr16(c.Remote.Addr()),
			LocalPort: c.Local.Port(), RemotePort: c.Remote.Port(),
		})
	}
	return encodeFixed(&connectionEndV4{
		ProcessID: c.ProcessID,
		Direction: uint8(c.Direction), Protocol: uint8(c.Protocol),
		LocalIP: addr4(c.Local.Addr()), RemoteIP: addr4(c.Remote.Addr()),
		LocalPort: c.Local.Port(), RemotePort: c.Remote.Port(),
	})
}

// BandwidthValue is the traffic of one flow since the previous report.
type BandwidthValue struct {
	Local            netip.AddrPort
	Remote           netip.AddrPort
	TransmittedBytes uint64
	ReceivedBytes    uint64
}

// BandwidthStats reports the traffic of every flow of one protocol and family.
type BandwidthStats struct {
	Protocol flow.Protocol
	Family   flow.Family
	Values   []BandwidthValue
}

func (b BandwidthStats) InfoType() InfoType {
	if b.Family == flow.IPv6 {
		return InfoBandwidthStatsV6
	}
	return InfoBandwidthStatsV4
}

type bandwidthHeader struct {
	Protocol uint8
	Count    uint32
}

type bandwidthV4 struct {
	LocalIP          [4]byte
	LocalPort        uint16
	RemoteIP         [4]byte
	RemotePort       uint16
	TransmittedBytes uint64
	ReceivedBytes    uint64
}

type bandwidthV6 struct {
	LocalIP          [16]byte
	LocalPort        uint16
	RemoteIP         [16]byte
	RemotePort       uint16
	TransmittedBytes uint64
	ReceivedBytes    uint64
}

// MaxBandwidthValues is the number of flows of family f that fit in one
// BandwidthStats record.
func MaxBandwidthValues(f flow.Family) int {
	entry := binary.Size(bandwidthV4{})
	if f == flow.IPv6 {
		entry = binary.Size(bandwidthV6{})
	}
	return (MaxBodySize - binary.Size(bandwidthHeader{})) / entry
}

// Split divides b into records of at most limit values each. A limit of zero,
// or one that would exceed the record size, is clamped to MaxBandwidthValues.
func (b BandwidthStats) Split(limit int) []BandwidthStats {
	if most := MaxBandwidthValues(b.Family); limit <= 0 || limit > most {
		limit = most
	}
	if len(b.Values) <= limit {
		return []BandwidthStats{b}
	}
	out := make([]BandwidthStats, 0, (len(b.Values)+limit-1)/limit)
	for start := 0; start < len(b.Values); start += limit {
		end := min(start+limit, len(b.Values))
		out = append(out, BandwidthStats{Protocol: b.Protocol, Family: b.Family, Values: b.Values[start:end]})
	}
	return out
}

func (b BandwidthStats) body() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, order, bandwidthHeader{Protocol: uint8(b.Protocol), Count: uint32(len(b.Values))})
	for _, v := range b.Values {
		if b.Family == flow.IPv6 {
			_ = binary.Write(&buf, order, bandwidthV6{
				LocalIP: addr16(v.Local.Addr()), LocalPort: v.Local.Port(),
				RemoteIP: addr16(v.Remote.Addr()), RemotePort: v.Remote.Port(),
				TransmittedBytes: v.TransmittedBytes, ReceivedBytes: v.ReceivedBytes,
			})
			continue
		}
		_ = binary.Write(&buf, order, bandwidthV4{
			LocalIP: addr4(v.Local.Addr()), LocalPort: v.Local.Port(),
			RemoteIP: addr4(v.Remote.Addr()), RemotePort: v.Remote.Port(),
			TransmittedBytes: v.TransmittedBytes, ReceivedBytes: v.ReceivedBytes,
		})
	}
	return buf.Bytes()
}

// WriteInfo frames and writes info.
func WriteInfo(w io.Writer, info Info) error {
	return writeFrame(w, uint8(info.InfoType()), info.body())
}

// MarshalInfo returns the framed bytes of info.
func MarshalInfo(info Info) []byte {
	var b bytes.Buffer
	_ = WriteInfo(&b, info)
	return b.Bytes()
}

// ReadInfo reads one framed info record.
func ReadInfo(r io.Reader) (Info, error) {
	typ, body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeInfo(InfoType(typ), body)
}

func decodeInfo(typ InfoType, body []byte) (Info, error) {
	switch typ {
	case InfoLogLine:
		if len(body) < 1 {
			return nil, ErrBodySize
		}
		return LogLine{Severity: body[0], Line: string(body[1:])}, nil

	case InfoConnectionV4:
		var w connectionV4
		if err := decodeFixed(body, &w); err != nil {
			return nil, err
		}
		return Connection{
			ID: w.ID, ProcessID: w.ProcessID,
			Direction: flow.Direction(w.Direction), Protocol: flow.Protocol(w.Protocol),
			Local:  netip.AddrPortFrom(netip.AddrFrom4(w.LocalIP), w.LocalPort),
			Remote: netip.AddrPortFrom(netip.AddrFrom4(w.RemoteIP), w.RemotePort),
		}, nil

	case InfoConnectionV6:
		var w connectionV6
		if err := decodeFixed(body, &w); err != nil {
			return nil, err
		}
		return Connection{
			ID: w.ID, ProcessID: w.ProcessID,
			Direction: flow.Direction(w.Direction), Protocol: flow.Protocol(w.Protocol),
			Local:  netip.AddrPortFrom(netip.AddrFrom16(w.LocalIP), w.LocalPort),
			Remote: netip.AddrPortFrom(netip.AddrFrom16(w.RemoteIP), w.RemotePort),
		}, nil

	case InfoConnectionEndV4:
		var w connectionEndV4
		if err := decodeFixed(body, &w); err != nil {
			return nil, err
		}
		return ConnectionEnd{
			ProcessID: w.ProcessID,
			Direction: flow.Direction(w.Direction), Protocol: flow.Protocol(w.Protocol),
			Local:  netip.AddrPortFrom(netip.AddrFrom4(w.LocalIP), w.LocalPort),
			Remote: netip.AddrPortFrom(netip.AddrFrom4(w.RemoteIP), w.RemotePort),
		}, nil

	case InfoConnectionEndV6:
		var w connectionEndV6
		if err := decodeFixed(body, &w); err != nil {
			return nil, err
		}
		return ConnectionEnd{
			ProcessID: w.ProcessID,
			Direction: flow.Direction(w.Direction), Protocol: flow.Protocol(w.Protocol),
			Local:  netip.AddrPortFrom(netip.AddrFrom16(w.LocalIP), w.LocalPort),
			Remote: netip.AddrPortFrom(netip.AddrFrom16(w.RemoteIP), w.RemotePort),
		}, nil

	case InfoBandwidthStatsV4, InfoBandwidthStatsV6:
		return decodeBandwidth(typ, body)

	default:
		return nil, errors.Attr(errors.Wrap(ErrUnknownType, errors.KindUnsupported, "read info"), "type", uint8(typ))
	}
}

func decodeBandwidth(typ InfoType, body []byte) (Info, error) {
	var hdr bandwidthHeader
	hdrSize := binary.Size(hdr)
	if len(body) < hdrSize {
		return nil, ErrBodySize
	}
	if err := decodeFixed(body[:hdrSize], &hdr); err != nil {
		return nil, err
	}
	stats := BandwidthStats{Protocol: flow.Protocol(hdr.Protocol), Family: flow.IPv4}
	if typ == InfoBandwidthStatsV6 {
		stats.Family = flow.IPv6
	}

	rest := body[hdrSize:]
	valueSize := binary.Size(bandwidthV4{})
	if stats.Family == flow.IPv6 {
		valueSize = binary.Size(bandwidthV6{})
	}
	if len(rest) != int(hdr.Count)*valueSize {
		return nil, errors.Attr(errors.Wrap(ErrBodySize, errors.KindValidation, "decode bandwidth stats"), "count", hdr.Count)
	}

	stats.Values = make([]BandwidthValue, 0, hdr.Count)
	for off := 0; off < len(rest); off += valueSize {
		chunk := rest[off : off+valueSize]
		if stats.Family == flow.IPv6 {
			var w bandwidthV6
			if err := decodeFixed(chunk, &w); err != nil {
				return nil, err
			}
			stats.Values = append(stats.Values, BandwidthValue{
				Local:            netip.AddrPortFrom(netip.AddrFrom16(w.LocalIP), w.LocalPort),
				Remote:           netip.AddrPortFrom(netip.AddrFrom16(w.RemoteIP), w.RemotePort),
				TransmittedBytes: w.TransmittedBytes,
				ReceivedBytes:    w.ReceivedBytes,
			})
			continue
		}
		var w bandwidthV4
		if err := decodeFixed(chunk, &w); err != nil {
			return nil, err
		}
		stats.Values = append(stats.Values, BandwidthValue{
			Local:            netip.AddrPortFrom(netip.AddrFrom4(w.LocalIP), w.LocalPort),
			Remote:           netip.AddrPortFrom(netip.AddrFrom4(w.RemoteIP), w.RemotePort),
			TransmittedBytes: w.TransmittedBytes,
			ReceivedBytes:    w.ReceivedBytes,
		})
	}
	return stats, nil
}
