// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/procfs"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

type socketLine struct {
	local  netip.AddrPort
	remote netip.AddrPort
	inode  uint64
}

func addrPort(ip net.IP, port uint64) netip.AddrPort {
	a, _ := netip.AddrFromSlice(ip)
	return netip.AddrPortFrom(a.Unmap(), uint16(port))
}

// procResolver attributes sockets to processes through /proc. Socket inodes
// are looked up in the net tables and mapped to a pid by scanning file
// descriptors; the inode map is rebuilt on every miss.
type procResolver struct {
	fs procfs.FS

	mu     sync.Mutex
	owners map[uint64]uint64 // socket inode -> pid
}

func newProcResolver() (*procResolver, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open procfs")
	}
	return &procResolver{fs: fs, owners: make(map[uint64]uint64)}, nil
}

func (r *procResolver) sockets(key flow.Key) ([]socketLine, error) {
	var out []socketLine
	switch key.Protocol {
	case flow.ProtocolTCP:
		tables := []func() (procfs.NetTCP, error){r.fs.NetTCP6}
		if !key.IsIPv6() {
			tables = append(tables, r.fs.NetTCP)
		}
		for _, read := range tables {
			lines, err := read()
			if err != nil {
				continue
			}
			for _, l := range lines {
				out = append(out, socketLine{addrPort(l.LocalAddr, l.LocalPort), addrPort(l.RemAddr, l.RemPort), l.Inode})
			}
		}
	case flow.ProtocolUDP:
		tables := []func() (procfs.NetUDP, error){r.fs.NetUDP6}
		if !key.IsIPv6() {
			tables = append(tables, r.fs.NetUDP)
		}
		for _, read := range tables {
			lines, err := read()
			if err != nil {
				continue
			}
			for _, l := range lines {
				out = append(out, socketLine{addrPort(l.LocalAddr, l.LocalPort), addrPort(l.RemAddr, l.RemPort), l.Inode})
			}
		}
	default:
		return nil, nil
	}
	return out, nil
}

// socketInode finds the socket of key. Connected sockets win over sockets
// bound to a wildcard address or without a peer.
func (r *procResolver) socketInode(key flow.Key) (uint64, bool, error) {
	lines, err := r.sockets(key)
	if err != nil {
		return 0, false, err
	}
	var fallback uint64
	for _, l := range lines {
		if l.local.Port() != key.LocalPort || l.inode == 0 {
			continue
		}
		if l.local.Addr() != key.LocalAddr && !l.local.Addr().IsUnspecified() {
			continue
		}
		if l.remote.Addr() == key.RemoteAddr && l.remote.Port() == key.RemotePort {
			return l.inode, true, nil
		}
		if l.remote.Port() == 0 && fallback == 0 {
			fallback = l.inode
		}
	}
	return fallback, fallback != 0, nil
}

func (r *procResolver) refresh() {
	procs, err := r.fs.AllProcs()
	if err != nil {
		return
	}
	owners := make(map[uint64]uint64, len(r.owners))
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, t := range targets {
			inode, ok := strings.CutPrefix(t, "socket:[")
			if !ok {
				continue
			}
			n, err := strconv.ParseUint(strings.TrimSuffix(inode, "]"), 10, 64)
			if err != nil {
				continue
			}
			owners[n] = uint64(p.PID)
		}
	}
	r.owners = owners
}

func (r *procResolver) ProcessID(key flow.Key) (uint64, error) {
	inode, ok, err := r.socketInode(key)
	if err != nil || !ok {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pid, ok := r.owners[inode]; ok {
		return pid, nil
	}
	r.refresh()
	return r.owners[inode], nil
}

func (r *procResolver) Executable(pid uint64) (string, error) {
	p, err := r.fs.Proc(int(pid))
	if err != nil {
		return "", errors.Attr(errors.Wrap(err, errors.KindNotFound, "lookup process"), "pid", pid)
	}
	exe, err := p.Executable()
	if err != nil {
		return "", errors.Attr(errors.Wrap(err, errors.KindNotFound, "read executable"), "pid", pid)
	}
	return exe, nil
}
