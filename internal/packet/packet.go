// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet parses and rewrites raw IP packets seen at the packet layer.
package packet

import (
	"net"
	"net/netip"
	"slices"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

var (
	// ErrTruncated is returned for buffers too short to hold an IP header.
	ErrTruncated = errors.New(errors.KindValidation, "packet too short")
	// ErrNotIP is returned when the version nibble is neither 4 nor 6.
	ErrNotIP = errors.New(errors.KindUnsupported, "not an ip packet")
)

// decoded holds the layers of one packet. Slices alias the input buffer.
type decoded struct {
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP
	types []gopacket.LayerType
}

func decode(data []byte) (*decoded, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}
	var first gopacket.LayerType
	switch data[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, errors.Attr(errors.Wrap(ErrNotIP, errors.KindUnsupported, "decode packet"), "version", data[0]>>4)
	}

	d := &decoded{types: make([]gopacket.LayerType, 0, 4)}
	parser := gopacket.NewDecodingLayerParser(first, &d.ip4, &d.ip6, &d.tcp, &d.udp)
	parser.IgnoreUnsupported = true
	if err := parser.DecodeLayers(data, &d.types); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode packet")
	}
	if len(d.types) == 0 {
		return nil, ErrTruncated
	}
	return d, nil
}

func (d *decoded) has(t gopacket.LayerType) bool {
	return slices.Contains(d.types, t)
}

func (d *decoded) isIPv4() bool {
	return d.has(layers.LayerTypeIPv4)
}

func (d *decoded) protocol() flow.Protocol {
	if d.isIPv4() {
		return flow.Protocol(d.ip4.Protocol)
	}
	return flow.Protocol(d.ip6.NextHeader)
}

func (d *decoded) addrs() (src, dst netip.Addr) {
	if d.isIPv4() {
		src, _ = netip.AddrFromSlice(d.ip4.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(d.ip4.DstIP.To4())
		return src, dst
	}
	src, _ = netip.AddrFromSlice(d.ip6.SrcIP.To16())
	dst, _ = netip.AddrFromSlice(d.ip6.DstIP.To16())
	return src, dst
}

func (d *decoded) ports() (src, dst uint16) {
	switch {
	case d.has(layers.LayerTypeTCP):
		return uint16(d.tcp.SrcPort), uint16(d.tcp.DstPort)
	case d.has(layers.LayerTypeUDP):
		return uint16(d.udp.SrcPort), uint16(d.udp.DstPort)
	default:
		return 0, 0
	}
}

func (d *decoded) setAddrs(src, dst netip.Addr) {
	if d.isIPv4() {
		d.ip4.SrcIP = net.IP(src.AsSlice())
		d.ip4.DstIP = net.IP(dst.AsSlice())
		return
	}
	d.ip6.SrcIP = net.IP(src.AsSlice())
	d.ip6.DstIP = net.IP(dst.AsSlice())
}

func (d *decoded) setSrcPort(p uint16) {
	switch {
	case d.has(layers.LayerTypeTCP):
		d.tcp.SrcPort = layers.TCPPort(p)
	case d.has(layers.LayerTypeUDP):
		d.udp.SrcPort = layers.UDPPort(p)
	}
}

func (d *decoded) setDstPort(p uint16) {
	switch {
	case d.has(layers.LayerTypeTCP):
		d.tcp.DstPort = layers.TCPPort(p)
	case d.has(layers.LayerTypeUDP):
		d.udp.DstPort = layers.UDPPort(p)
	}
}

// serializeInto re-encodes the packet and writes the result over data when the
// size is unchanged, which it is unless the input carried bogus lengths.
func (d *decoded) serializeInto(data []byte) ([]byte, error) {
	out, err := d.serialize()
	if err != nil {
		return nil, err
	}
	if len(out) != len(data) {
		return out, nil
	}
	copy(data, out)
	return data, nil
}

// serialize re-encodes the packet with fixed lengths and fresh checksums.
func (d *decoded) serialize() ([]byte, error) {
	var (
		network gopacket.NetworkLayer
		stack   []gopacket.SerializableLayer
	)
	if d.isIPv4() {
		network = &d.ip4
		stack = append(stack, &d.ip4)
	} else {
		network = &d.ip6
		stack = append(stack, &d.ip6)
	}

	switch {
	case d.has(layers.LayerTypeTCP):
		if err := d.tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "tcp checksum")
		}
		stack = append(stack, &d.tcp, gopacket.Payload(d.tcp.Payload))
	case d.has(layers.LayerTypeUDP):
		if err := d.udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "udp checksum")
		}
		stack = append(stack, &d.udp, gopacket.Payload(d.udp.Payload))
	default:
		stack = append(stack, gopacket.Payload(network.LayerPayload()))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "serialize packet")
	}
	return buf.Bytes(), nil
}

// ParseKey builds the flow key of an IP packet. Outbound packets have the local
// endpoint as source, inbound packets as destination. Ports are zero for
// protocols without ports and for non-first fragments.
func ParseKey(data []byte, direction flow.Direction) (flow.Key, error) {
	d, err := decode(data)
	if err != nil {
		return flow.Key{}, err
	}
	src, dst := d.addrs()
	srcPort, dstPort := d.ports()

	k := flow.Key{Protocol: d.protocol()}
	if direction == flow.Inbound {
		k.LocalAddr, k.LocalPort = dst, dstPort
		k.RemoteAddr, k.RemotePort = src, srcPort
	} else {
		k.LocalAddr, k.LocalPort = src, srcPort
		k.RemoteAddr, k.RemotePort = dst, dstPort
	}
	return k, nil
}

// Clone returns a writable copy of data.
func Clone(data []byte) []byte {
	return slices.Clone(data)
}

// RecalculateChecksums returns data re-encoded with valid IP and transport checksums.
func RecalculateChecksums(data []byte) ([]byte, error) {
	d, err := decode(data)
	if err != nil {
		return nil, err
	}
	return d.serialize()
}

// Redirect rewrites a packet of a redirected flow. Outbound packets are sent to
// the redirect target; inbound replies are made to look like they come from the
// original remote endpoint.
//
// The rewrite happens in data, so callers pass a writable clone. Packets
// without a TCP or UDP header only get their addresses rewritten.
func Redirect(data []byte, info connection.RedirectInfo, inbound bool) ([]byte, error) {
	if inbound {
		return RedirectInbound(data, info)
	}
	return RedirectOutbound(data, info)
}

func decodeForRewrite(data []byte, family flow.Family) (*decoded, error) {
	d, err := decode(data)
	if err != nil {
		return nil, err
	}
	if (family == flow.IPv4) != d.isIPv4() {
		return nil, errors.Attr(errors.Wrap(flow.ErrFamilyMismatch, errors.KindValidation, "redirect packet"), "family", family.String())
	}
	return d, nil
}

// RedirectOutbound points the packet at info's redirect target. A loopback
// target also gets a loopback source. With Unify the destination becomes the
// packet's own source address.
func RedirectOutbound(data []byte, info connection.RedirectInfo) ([]byte, error) {
	family := flow.FamilyOf(info.RedirectAddr)
	d, err := decodeForRewrite(data, family)
	if err != nil {
		return nil, err
	}

	src, _ := d.addrs()
	dst := info.RedirectAddr
	switch {
	case info.Unify:
		dst = src
	case dst.IsLoopback():
		src = family.Loopback()
	}
	d.setAddrs(src, dst)
	d.setDstPort(info.RedirectPort)
	return d.serializeInto(data)
}

// RedirectInbound restores the original remote endpoint as the source of a
// reply and the local address as its destination.
func RedirectInbound(data []byte, info connection.RedirectInfo) ([]byte, error) {
	d, err := decodeForRewrite(data, flow.FamilyOf(info.LocalAddr))
	if err != nil {
		return nil, err
	}
	d.setAddrs(info.RemoteAddr, info.LocalAddr)
	d.setSrcPort(info.RemotePort)
	return d.serializeInto(data)
}
