// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bandwidth

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/flow"
)

func fkey(proto flow.Protocol, local, remote string) flow.Key {
	l, r := netip.MustParseAddrPort(local), netip.MustParseAddrPort(remote)
	return flow.Key{Protocol: proto, LocalAddr: l.Addr(), LocalPort: l.Port(), RemoteAddr: r.Addr(), RemotePort: r.Port()}
}

func TestTables_AccumulateAndDrain(t *testing.T) {
	tb := New()
	k := fkey(flow.ProtocolTCP, "10.0.0.2:51000", "93.184.216.34:443")

	require.True(t, tb.AddTx(k, 100))
	require.True(t, tb.AddTx(k, 50))
	require.True(t, tb.AddRx(k, 1500))
	assert.Equal(t, 1, tb.Len())

	stats := tb.Drain(flow.ProtocolTCP, flow.IPv4)
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(150), stats[0].TransmittedBytes)
	assert.Equal(t, uint64(1500), stats[0].ReceivedBytes)
	assert.Equal(t, uint16(443), stats[0].RemotePort)

	assert.Empty(t, tb.Drain(flow.ProtocolTCP, flow.IPv4))
	assert.Equal(t, 0, tb.Len())
}

func TestTables_SeparateTables(t *testing.T) {
	tb := New()
	tb.AddTx(fkey(flow.ProtocolTCP, "10.0.0.2:1", "1.1.1.1:443"), 1)
	tb.AddTx(fkey(flow.ProtocolUDP, "10.0.0.2:1", "1.1.1.1:53"), 2)
	tb.AddTx(fkey(flow.ProtocolUDP, "[2001:db8::2]:1", "[2001:db8::1]:53"), 3)
	tb.AddRx(fkey(flow.ProtocolTCP, "[2001:db8::2]:1", "[2001:db8::1]:443"), 4)
	assert.False(t, tb.AddTx(fkey(flow.ProtocolICMP, "10.0.0.2:0", "1.1.1.1:0"), 5))

	reports := tb.DrainAll()
	require.Len(t, reports, 4)
	assert.Equal(t, flow.ProtocolTCP, reports[0].Protocol)
	assert.Equal(t, flow.IPv4, reports[0].Family)
	assert.Equal(t, flow.IPv6, reports[1].Family)
	assert.Equal(t, uint64(4), reports[1].Stats[0].ReceivedBytes)
	assert.Equal(t, flow.ProtocolUDP, reports[3].Protocol)
	assert.Equal(t, uint64(3), reports[3].Stats[0].TransmittedBytes)
	assert.Empty(t, tb.DrainAll())
}

func TestTables_DrainSorted(t *testing.T) {
	tb := New()
	tb.AddTx(fkey(flow.ProtocolUDP, "10.0.0.2:3000", "1.1.1.1:53"), 1)
	tb.AddTx(fkey(flow.ProtocolUDP, "10.0.0.2:1000", "1.1.1.1:53"), 1)
	tb.AddTx(fkey(flow.ProtocolUDP, "10.0.0.1:9000", "1.1.1.1:53"), 1)

	stats := tb.Drain(flow.ProtocolUDP, flow.IPv4)
	require.Len(t, stats, 3)
	assert.Equal(t, uint16(9000), stats[0].LocalPort)
	assert.Equal(t, uint16(1000), stats[1].LocalPort)
	assert.Equal(t, uint16(3000), stats[2].LocalPort)
}

func TestTables_ConcurrentAdd(t *testing.T) {
	tb := New()
	k := fkey(flow.ProtocolUDP, "10.0.0.2:5000", "8.8.8.8:53")
	var wg sync.WaitGroup
	var drained uint64
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tb.AddTx(k, 1)
				if j%100 == 0 {
					for _, s := range tb.Drain(flow.ProtocolUDP, flow.IPv4) {
						mu.Lock()
						drained += s.TransmittedBytes
						mu.Unlock()
					}
				}
			}
		}()
	}
	wg.Wait()
	for _, s := range tb.Drain(flow.ProtocolUDP, flow.IPv4) {
		drained += s.TransmittedBytes
	}
	assert.Equal(t, uint64(4000), drained)
}
