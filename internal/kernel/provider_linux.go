// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernel

import (
	"context"
	"slices"
	"sync"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/mdlayher/netlink"
	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"
	"golang.org/x/sys/unix"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/packet"
)

// ctInfoNew is IP_CT_NEW: the first packet of a connection.
const ctInfoNew = 2

// LinuxProvider intercepts traffic with nfqueue. An inet table queues TCP and
// UDP from the output and input hooks; the first packet of each conntrack
// entry goes through the connection layer, every other packet through the
// packet layer. Blocked packets are re-queued with the reject mark so the
// ruleset answers them with a reset or an ICMP error.
type LinuxProvider struct {
	cfg   LinuxConfig
	log   *logging.Logger
	procs *procResolver

	mu         sync.Mutex
	registered bool
	fd4, fd6   int
}

// OpenLinux creates the netfilter provider. Filters are not installed until
// Register.
func OpenLinux(cfg LinuxConfig) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	procs, err := newProcResolver()
	if err != nil {
		return nil, err
	}

	p := &LinuxProvider{cfg: cfg, log: cfg.Logger, procs: procs, fd4: -1, fd6: -1}
	if p.fd4, err = openRawSocket(unix.AF_INET, cfg.InjectMark); err != nil {
		return nil, err
	}
	if p.fd6, err = openRawSocket(unix.AF_INET6, cfg.InjectMark); err != nil {
		unix.Close(p.fd4)
		return nil, err
	}
	return p, nil
}

func openRawSocket(family int, mark uint32) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "open raw socket"), "family", family)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, errors.KindUnavailable, "set inject mark")
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_HDRINCL, 1); err != nil {
			unix.Close(fd)
			return -1, errors.Wrap(err, errors.KindUnavailable, "enable ipv6 header include")
		}
	}
	return fd, nil
}

// Register installs the ruleset.
func (p *LinuxProvider) Register(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.installRuleset(); err != nil {
		return err
	}
	p.registered = true
	p.log.Info("interception ruleset installed", "table", p.cfg.TableName, "queue_out", p.cfg.QueueOut, "queue_in", p.cfg.QueueIn)
	return nil
}

// Unregister removes the ruleset. Queued packets are released by the bypass
// flag once the queues close.
func (p *LinuxProvider) Unregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.registered {
		return nil
	}
	if err := p.removeRuleset(); err != nil {
		return err
	}
	p.registered = false
	return nil
}

// Inject sends a complete IP packet through a raw socket carrying the inject
// mark, so the ruleset lets it through without queueing.
func (p *LinuxProvider) Inject(data []byte, info InjectInfo) error {
	key, err := packet.ParseKey(data, flow.Outbound)
	if err != nil {
		return err
	}
	dst := key.RemoteAddr
	if dst.Is4() {
		err = unix.Sendto(p.fd4, data, 0, &unix.SockaddrInet4{Addr: dst.As4()})
	} else {
		err = unix.Sendto(p.fd6, data, 0, &unix.SockaddrInet6{Addr: dst.As16(), ZoneId: info.InterfaceIndex})
	}
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "inject packet"), "destination", dst.String())
	}
	return nil
}

// WasInjected reports whether mark is the inject mark.
func (p *LinuxProvider) WasInjected(mark uint32) bool {
	return mark == p.cfg.InjectMark
}

func (p *LinuxProvider) ProcessID(key flow.Key) (uint64, error) {
	return p.procs.ProcessID(key)
}

func (p *LinuxProvider) Executable(pid uint64) (string, error) {
	return p.procs.Executable(pid)
}

// Run opens both queues and the conntrack listener and delivers callouts to h
// until ctx is done.
func (p *LinuxProvider) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, q := range []struct {
		num uint16
		dir flow.Direction
	}{{p.cfg.QueueOut, flow.Outbound}, {p.cfg.QueueIn, flow.Inbound}} {
		nf, err := p.openQueue(ctx, q.num, q.dir, h)
		if err != nil {
			return err
		}
		defer nf.Close()
	}

	ct, err := conntrack.Dial(&netlink.Config{})
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "dial conntrack")
	}
	defer ct.Close()

	events := make(chan conntrack.Event, 1024)
	errCh, err := ct.Listen(events, p.cfg.ConntrackWorkers, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "listen for conntrack events")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				return errors.Wrap(err, errors.KindUnavailable, "conntrack listener")
			}
		case ev := <-events:
			p.closure(ev, h)
		}
	}
}

// closure reports a destroyed conntrack entry. The original tuple is reported
// in both orientations since the entry does not say which side is local;
// lookups for the wrong orientation miss.
func (p *LinuxProvider) closure(ev conntrack.Event, h Handler) {
	if ev.Type != conntrack.EventDestroy || ev.Flow == nil {
		return
	}
	t := ev.Flow.TupleOrig
	proto := flow.Protocol(t.Proto.Protocol)
	if !proto.HasPorts() {
		return
	}
	key := flow.Key{
		Protocol:   proto,
		LocalAddr:  t.IP.SourceAddress.Unmap(),
		LocalPort:  t.Proto.SourcePort,
		RemoteAddr: t.IP.DestinationAddress.Unmap(),
		RemotePort: t.Proto.DestinationPort,
	}
	if key.Validate() != nil {
		return
	}
	h.HandleEndpointClosure(key)
	h.HandleEndpointClosure(key.Reverse())
}

func (p *LinuxProvider) openQueue(ctx context.Context, num uint16, dir flow.Direction, h Handler) (*nfqueue.Nfqueue, error) {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      num,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  p.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        nfqueue.NfQaCfgFlagConntrack | nfqueue.NfQaCfgFlagFailOpen,
		ReadTimeout:  p.cfg.Timeout,
		WriteTimeout: p.cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "open nfqueue"), "queue", num)
	}

	log := p.log.With("queue", num, "direction", dir.String())
	errFn := func(err error) int {
		if opErr, ok := err.(*netlink.OpError); ok && (opErr.Timeout() || opErr.Temporary()) {
			return 0
		}
		if ctx.Err() == nil {
			log.Error("nfqueue receive failed", "error", err)
		}
		return 1
	}
	if err := nf.RegisterWithErrorFunc(ctx, p.hook(nf, dir, h, log), errFn); err != nil {
		nf.Close()
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "register nfqueue"), "queue", num)
	}
	return nf, nil
}

func (p *LinuxProvider) hook(nf *nfqueue.Nfqueue, dir flow.Direction, h Handler, log *logging.Logger) nfqueue.HookFunc {
	return func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		c := &nfClassification{nf: nf, id: *a.PacketID, rejectMark: p.cfg.RejectMark, log: log}
		if a.Payload == nil {
			c.Permit()
			return 0
		}

		pev := &PacketEvent{
			Data:      slices.Clone(*a.Payload),
			Direction: dir,
			Inject:    InjectInfo{Inbound: dir == flow.Inbound},
		}
		if a.Mark != nil {
			pev.Mark = *a.Mark
		}
		if dir == flow.Inbound && a.InDev != nil {
			pev.Inject.InterfaceIndex = *a.InDev
		} else if a.OutDev != nil {
			pev.Inject.InterfaceIndex = *a.OutDev
		}

		key, err := packet.ParseKey(pev.Data, dir)
		if err != nil || (a.CtInfo != nil && *a.CtInfo != ctInfoNew) {
			c.resume = func() { Dispatch(h, nil, pev, c) }
			Dispatch(h, nil, pev, c)
			return 0
		}

		pev.Inject.Loopback = key.IsLoopback()
		pid, err := p.procs.ProcessID(key)
		if err != nil {
			log.Debug("process lookup failed", "flow", key.String(), "error", err)
		}
		auth := &AuthEvent{
			Key:       key,
			Direction: dir,
			ProcessID: pid,
			Mark:      pev.Mark,
			Inject:    pev.Inject,
		}
		c.resume = func() { Dispatch(h, auth, pev, c) }
		Dispatch(h, auth, pev, c)
		return 0
	}
}

// Close releases the raw sockets and removes the ruleset.
func (p *LinuxProvider) Close() error {
	err := p.Unregister()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fd := range []*int{&p.fd4, &p.fd6} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	return err
}

// nfClassification issues the verdict for one queued packet.
type nfClassification struct {
	nf         *nfqueue.Nfqueue
	id         uint32
	rejectMark uint32
	log        *logging.Logger
	resume     func()
	once       sync.Once
}

func (c *nfClassification) verdict(v int, opts ...nfqueue.VerdictOption) {
	if err := c.nf.SetVerdictWithOption(c.id, v, opts...); err != nil {
		c.log.Warn("set verdict failed", "packet_id", c.id, "error", err)
	}
}

func (c *nfClassification) Permit() { c.verdict(nfqueue.NfAccept) }
func (c *nfClassification) Absorb() { c.verdict(nfqueue.NfDrop) }

// Block re-queues the packet through the ruleset with the reject mark set.
func (c *nfClassification) Block() {
	c.verdict(nfqueue.NfRepeat, nfqueue.WithMark(c.rejectMark))
}

// Pend leaves the packet in the queue until the token resolves it.
func (c *nfClassification) Pend() (Token, error) {
	return &nfToken{c: c}, nil
}

type nfToken struct {
	c *nfClassification
}

func (t *nfToken) Complete() {
	t.c.once.Do(t.c.resume)
}

func (t *nfToken) Abort() {
	t.c.once.Do(func() { t.c.Absorb() })
}
