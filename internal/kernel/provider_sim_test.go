// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

// recorder decides with fixed answers and records every callout.
type recorder struct {
	auth    func(ev *AuthEvent, c Classification)
	packet  func(ev *PacketEvent, c Classification)
	auths   []AuthEvent
	packets []PacketEvent
	closed  []flow.Key
	release []flow.PortKey
}

func (r *recorder) HandleAuth(ev *AuthEvent, c Classification) {
	r.auths = append(r.auths, *ev)
	if r.auth != nil {
		r.auth(ev, c)
		return
	}
	c.Permit()
}

func (r *recorder) HandlePacket(ev *PacketEvent, c Classification) {
	r.packets = append(r.packets, *ev)
	if r.packet != nil {
		r.packet(ev, c)
		return
	}
	c.Permit()
}

func (r *recorder) HandleEndpointClosure(key flow.Key) { r.closed = append(r.closed, key) }

func (r *recorder) HandlePortRelease(family flow.Family, pk flow.PortKey, pid uint64) {
	r.release = append(r.release, pk)
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    netip.MustParseAddr(src).AsSlice(),
		DstIP:    netip.MustParseAddr(dst).AsSlice(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload("query")))
	return buf.Bytes()
}

func TestDispatch(t *testing.T) {
	t.Run("auth permit falls through to packet layer", func(t *testing.T) {
		r := &recorder{packet: func(ev *PacketEvent, c Classification) { c.Absorb() }}
		sim := NewSimProvider(SimConfig{})
		sim.Attach(r)

		c := sim.Send(udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53), flow.Outbound, 0)
		assert.Equal(t, connection.ActionAbsorb, c.Action())
		assert.Equal(t, 1, c.Decisions())
		assert.Len(t, r.auths, 1)
		assert.Len(t, r.packets, 1)
	})

	t.Run("auth block skips packet layer", func(t *testing.T) {
		r := &recorder{auth: func(ev *AuthEvent, c Classification) { c.Block() }}
		sim := NewSimProvider(SimConfig{})
		sim.Attach(r)

		c := sim.Send(udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53), flow.Outbound, 0)
		assert.Equal(t, connection.ActionBlock, c.Action())
		assert.Empty(t, r.packets)
	})

	t.Run("unparseable packet only reaches packet layer", func(t *testing.T) {
		r := &recorder{}
		sim := NewSimProvider(SimConfig{})
		sim.Attach(r)

		c := sim.Send([]byte{0x45, 0x00}, flow.Outbound, 0)
		assert.Equal(t, connection.ActionPermit, c.Action())
		assert.Empty(t, r.auths)
		assert.Len(t, r.packets, 1)
	})

	t.Run("no handler permits", func(t *testing.T) {
		sim := NewSimProvider(SimConfig{})
		c := sim.Send(udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53), flow.Outbound, 0)
		assert.Equal(t, connection.ActionPermit, c.Action())
	})
}

func TestSimAuthEvent(t *testing.T) {
	key := flow.Key{
		Protocol:   flow.ProtocolUDP,
		LocalAddr:  netip.MustParseAddr("10.0.0.2"),
		LocalPort:  40000,
		RemoteAddr: netip.MustParseAddr("1.1.1.1"),
		RemotePort: 53,
	}

	r := &recorder{}
	sim := NewSimProvider(SimConfig{})
	sim.SetProcess(key, 42, "/usr/bin/dig")
	sim.Attach(r)

	data := udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53)
	sim.Send(data, flow.Outbound, 0)

	require.Len(t, r.auths, 1)
	ev := r.auths[0]
	assert.Equal(t, key, ev.Key)
	assert.Equal(t, uint64(42), ev.ProcessID)
	assert.Equal(t, data, ev.Packet, "packet handed to core when provider does not hold packets")

	exe, err := sim.Executable(42)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/dig", exe)

	_, err = sim.Executable(7)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestSimPend(t *testing.T) {
	for _, hold := range []bool{true, false} {
		name := "hand over"
		if hold {
			name = "hold"
		}
		t.Run(name, func(t *testing.T) {
			var token Token
			decided := false
			r := &recorder{auth: func(ev *AuthEvent, c Classification) {
				if !decided {
					var err error
					token, err = c.Pend()
					require.NoError(t, err)
					return
				}
				c.Permit()
			}}
			sim := NewSimProvider(SimConfig{HoldPackets: hold})
			sim.Attach(r)

			c := sim.Send(udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53), flow.Outbound, 0)
			assert.True(t, c.Pended())
			assert.Equal(t, connection.ActionPending, c.Action())
			assert.Empty(t, r.packets)

			decided = true
			token.Complete()
			token.Complete()

			assert.True(t, c.Completed())
			assert.False(t, c.Pended())
			assert.Equal(t, connection.ActionPermit, c.Action())
			require.Len(t, r.auths, 2)
			assert.False(t, r.auths[1].Reauthorize)
			assert.Nil(t, r.auths[1].Packet)
			if hold {
				assert.Len(t, r.packets, 1, "held packet replayed through packet layer")
			} else {
				assert.Empty(t, r.packets)
			}
		})
	}
}

func TestSimAbort(t *testing.T) {
	var token Token
	r := &recorder{auth: func(ev *AuthEvent, c Classification) {
		token, _ = c.Pend()
	}}
	sim := NewSimProvider(SimConfig{HoldPackets: true})
	sim.Attach(r)

	c := sim.Send(udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53), flow.Outbound, 0)
	token.Abort()
	token.Complete()

	assert.True(t, c.Aborted())
	assert.False(t, c.Completed())
	assert.Equal(t, connection.ActionAbsorb, c.Action())
	assert.Len(t, r.auths, 1)
}

func TestSimFailures(t *testing.T) {
	sim := NewSimProvider(SimConfig{})

	boom := errors.New(errors.KindUnavailable, "boom")
	sim.FailPend(boom)
	c := sim.Send(udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53), flow.Outbound, 0)
	_, err := c.Pend()
	assert.ErrorIs(t, err, boom)

	sim.FailInject(boom)
	assert.ErrorIs(t, sim.Inject([]byte{1}, InjectInfo{}), boom)
	assert.Empty(t, sim.Injected())

	sim.FailRegister(boom)
	assert.ErrorIs(t, sim.Register(context.Background()), boom)
	assert.False(t, sim.Registered())

	sim.FailRegister(nil)
	require.NoError(t, sim.Register(context.Background()))
	assert.True(t, sim.Registered())
	require.NoError(t, sim.Unregister())
	assert.False(t, sim.Registered())
}

func TestSimInjectReplay(t *testing.T) {
	r := &recorder{}
	sim := NewSimProvider(SimConfig{})
	sim.Attach(r)

	data := udpPacket(t, "10.0.0.2", "1.1.1.1", 40000, 53)
	require.NoError(t, sim.Inject(data, InjectInfo{}))

	injected := sim.Injected()
	require.Len(t, injected, 1)
	assert.Equal(t, DefaultInjectMark, injected[0].Mark)
	assert.True(t, sim.WasInjected(injected[0].Mark))
	assert.False(t, sim.WasInjected(0))

	sim.ReplayInjected()
	require.Len(t, r.auths, 1)
	assert.Equal(t, DefaultInjectMark, r.auths[0].Mark)
}

func TestSimCallouts(t *testing.T) {
	r := &recorder{}
	sim := NewSimProvider(SimConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sim.Run(ctx, r)
	}()
	require.Eventually(t, func() bool { return sim.attached() != nil }, time.Second, time.Millisecond)

	key := flow.Key{
		Protocol:   flow.ProtocolTCP,
		LocalAddr:  netip.MustParseAddr("10.0.0.2"),
		LocalPort:  50000,
		RemoteAddr: netip.MustParseAddr("93.184.216.34"),
		RemotePort: 443,
	}
	sim.CloseEndpoint(key)
	sim.ReleasePort(flow.IPv4, key.Small(), 9)
	cancel()
	<-done

	assert.Equal(t, []flow.Key{key}, r.closed)
	assert.Equal(t, []flow.PortKey{key.Small()}, r.release)
}

func TestLinuxConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultLinuxConfig().Validate())
	assert.NoError(t, LinuxConfig{}.Validate())

	cfg := DefaultLinuxConfig()
	cfg.QueueIn = cfg.QueueOut
	assert.True(t, errors.IsKind(cfg.Validate(), errors.KindValidation))

	cfg = DefaultLinuxConfig()
	cfg.RejectMark = cfg.InjectMark
	assert.Error(t, cfg.Validate())
}
