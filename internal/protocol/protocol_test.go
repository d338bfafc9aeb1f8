// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

func TestConnectionV4_Layout(t *testing.T) {
	info := Connection{
		ID:        1,
		ProcessID: 2,
		Direction: flow.Direction(3),
		Protocol:  flow.Protocol(4),
		Local:     netip.AddrPortFrom(netip.AddrFrom4([4]byte{5, 6, 7, 8}), 13),
		Remote:    netip.AddrPortFrom(netip.AddrFrom4([4]byte{9, 10, 11, 12}), 14),
	}
	got := MarshalInfo(info)
	want := []byte{
		1, 30, 0, 0, 0, // type, size
		1, 0, 0, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0,
		3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 0, 14, 0,
	}
	assert.Equal(t, want, got)
}

func TestInfo_Stream(t *testing.T) {
	infos := []Info{
		LogLine{Severity: 3, Line: "flow parked"},
		Connection{
			ID: 42, ProcessID: 1234, Direction: flow.Outbound, Protocol: flow.ProtocolTCP,
			Local:  netip.MustParseAddrPort("10.0.0.2:51000"),
			Remote: netip.MustParseAddrPort("93.184.216.34:443"),
		},
		Connection{
			ProcessID: 7, Direction: flow.Inbound, Protocol: flow.ProtocolUDP,
			Local:  netip.MustParseAddrPort("[2001:db8::2]:53"),
			Remote: netip.MustParseAddrPort("[2001:db8::1]:5353"),
		},
		ConnectionEnd{
			ProcessID: 9, Protocol: flow.ProtocolTCP,
			Local:  netip.MustParseAddrPort("10.0.0.2:51820"),
			Remote: netip.MustParseAddrPort("1.1.1.1:443"),
		},
		ConnectionEnd{
			Protocol: flow.ProtocolUDP,
			Local:    netip.MustParseAddrPort("[::1]:1"),
			Remote:   netip.MustParseAddrPort("[::1]:2"),
		},
		BandwidthStats{
			Protocol: flow.ProtocolTCP, Family: flow.IPv4,
			Values: []BandwidthValue{{
				Local:            netip.MustParseAddrPort("10.0.0.2:1"),
				Remote:           netip.MustParseAddrPort("1.1.1.1:443"),
				TransmittedBytes: 10, ReceivedBytes: 20,
			}},
		},
		BandwidthStats{
			Protocol: flow.ProtocolUDP, Family: flow.IPv6,
			Values: []BandwidthValue{
				{Local: netip.MustParseAddrPort("[2001:db8::2]:1"), Remote: netip.MustParseAddrPort("[2001:db8::1]:53"), TransmittedBytes: 1},
				{Local: netip.MustParseAddrPort("[2001:db8::2]:2"), Remote: netip.MustParseAddrPort("[2001:db8::1]:53"), ReceivedBytes: 2},
			},
		},
	}

	var buf bytes.Buffer
	for _, info := range infos {
		require.NoError(t, WriteInfo(&buf, info))
	}
	for _, want := range infos {
		got, err := ReadInfo(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadInfo(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCommand_Stream(t *testing.T) {
	cmds := []Command{
		Verdict{ID: 42, Verdict: 2},
		Update{Key: flow.Key{
			Protocol:  flow.ProtocolUDP,
			LocalAddr: netip.MustParseAddr("10.0.0.2"), LocalPort: 5000,
			RemoteAddr: netip.MustParseAddr("8.8.8.8"), RemotePort: 53,
		}, Verdict: 8},
		Update{Key: flow.Key{
			Protocol:  flow.ProtocolTCP,
			LocalAddr: netip.MustParseAddr("2001:db8::2"), LocalPort: 40000,
			RemoteAddr: netip.MustParseAddr("2001:db8::99"), RemotePort: 443,
		}, Verdict: 9},
		ClearCache{},
		GetLogs{},
		GetBandwidthStats{},
		PrintMemoryStats{},
		Shutdown{},
	}

	var buf bytes.Buffer
	for _, c := range cmds {
		require.NoError(t, WriteCommand(&buf, c))
	}
	for _, want := range cmds {
		got, err := ReadCommand(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, want.CommandType(), got.CommandType())
	}
}

func TestCommand_VerdictLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, Verdict{ID: 0x0102, Verdict: 4}))
	assert.Equal(t, []byte{1, 9, 0, 0, 0, 0x02, 0x01, 0, 0, 0, 0, 0, 0, 4}, buf.Bytes())
}

func TestRead_UnknownTypeStaysAligned(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{200, 3, 0, 0, 0, 0xaa, 0xbb, 0xcc})
	require.NoError(t, WriteCommand(&buf, GetLogs{}))

	_, err := ReadCommand(&buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))

	cmd, err := ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, GetLogs{}, cmd)
}

func TestRead_Malformed(t *testing.T) {
	_, err := ReadCommand(bytes.NewReader([]byte{byte(CommandVerdict), 2, 0, 0, 0, 1, 2}))
	assert.True(t, errors.Is(err, ErrBodySize))

	_, err = ReadCommand(bytes.NewReader([]byte{byte(CommandShutdown), 1, 0, 0, 0, 1}))
	assert.True(t, errors.Is(err, ErrBodySize))

	_, err = ReadInfo(bytes.NewReader([]byte{byte(InfoConnectionV4), 30, 0, 0, 0, 1}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadInfo(bytes.NewReader([]byte{byte(InfoLogLine), 0xff, 0xff, 0xff, 0x7f}))
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, err = ReadInfo(bytes.NewReader([]byte{byte(InfoBandwidthStatsV4), 6, 0, 0, 0, 6, 2, 0, 0, 0, 0}))
	assert.True(t, errors.Is(err, ErrBodySize))
}

func TestBandwidthStats_Split(t *testing.T) {
	values := func(n int) []BandwidthValue {
		out := make([]BandwidthValue, n)
		for i := range out {
			out[i] = BandwidthValue{
				Local:            netip.MustParseAddrPort("10.0.0.2:40000"),
				Remote:           netip.AddrPortFrom(netip.MustParseAddr("1.1.1.1"), uint16(i)),
				TransmittedBytes: uint64(i),
			}
		}
		return out
	}

	small := BandwidthStats{Protocol: flow.ProtocolUDP, Family: flow.IPv4, Values: values(5)}
	chunks := small.Split(2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Values, 2)
	assert.Len(t, chunks[2].Values, 1)
	assert.Equal(t, uint16(4), chunks[2].Values[0].Remote.Port())
	for _, c := range chunks {
		assert.Equal(t, flow.ProtocolUDP, c.Protocol)
		assert.Equal(t, flow.IPv4, c.Family)
	}
	assert.Len(t, small.Split(0), 1)

	most := MaxBandwidthValues(flow.IPv4)
	big := BandwidthStats{Protocol: flow.ProtocolTCP, Family: flow.IPv4, Values: values(most + 1)}
	assert.True(t, errors.Is(WriteInfo(io.Discard, big), ErrTooLarge))

	chunks = big.Split(0)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		require.NoError(t, WriteInfo(io.Discard, c))
	}

	assert.Less(t, MaxBandwidthValues(flow.IPv6), most)
}
