// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/flowguard/internal/errors"
)

// Rule tags. They are stored in the rule user data and name the counters
// returned by Counters.
const (
	counterInjected  = "injected"
	counterRejectTCP = "rejected_tcp"
	counterRejected  = "rejected"
	counterQueuedTCP = "queued_tcp"
	counterQueuedUDP = "queued_udp"
	chainOutput      = "output"
	chainInput       = "input"
)

func markIs(mark uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
	}
}

func l4protoIs(proto byte) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

func join(parts ...[]expr.Any) []expr.Any {
	var out []expr.Any
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// chainRules returns the rules of one interception chain:
//
//	meta mark inject accept
//	meta mark reject meta l4proto tcp reject with tcp reset
//	meta mark reject reject with icmpx admin-prohibited
//	meta l4proto {tcp, udp} queue num N bypass
func (p *LinuxProvider) chainRules(queue uint16) map[string][]expr.Any {
	return map[string][]expr.Any{
		counterInjected: join(markIs(p.cfg.InjectMark), []expr.Any{&expr.Counter{}, &expr.Verdict{Kind: expr.VerdictAccept}}),
		counterRejectTCP: join(markIs(p.cfg.RejectMark), l4protoIs(unix.IPPROTO_TCP), []expr.Any{
			&expr.Counter{},
			&expr.Reject{Type: unix.NFT_REJECT_TCP_RST},
		}),
		counterRejected: join(markIs(p.cfg.RejectMark), []expr.Any{
			&expr.Counter{},
			&expr.Reject{Type: unix.NFT_REJECT_ICMPX_UNREACH, Code: unix.NFT_REJECT_ICMPX_ADMIN_PROHIBITED},
		}),
		counterQueuedTCP: join(l4protoIs(unix.IPPROTO_TCP), []expr.Any{
			&expr.Counter{},
			&expr.Queue{Num: queue, Flag: expr.QueueFlagBypass},
		}),
		counterQueuedUDP: join(l4protoIs(unix.IPPROTO_UDP), []expr.Any{
			&expr.Counter{},
			&expr.Queue{Num: queue, Flag: expr.QueueFlagBypass},
		}),
	}
}

var ruleOrder = []string{counterInjected, counterRejectTCP, counterRejected, counterQueuedTCP, counterQueuedUDP}

func (p *LinuxProvider) findTable(conn *nftables.Conn) (*nftables.Table, error) {
	tables, err := conn.ListTables()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "list nftables tables")
	}
	for _, t := range tables {
		if t.Name == p.cfg.TableName && t.Family == nftables.TableFamilyINet {
			return t, nil
		}
	}
	return nil, nil
}

// installRuleset replaces the interception table in a single batch, so the
// ruleset is either fully installed or left untouched.
func (p *LinuxProvider) installRuleset() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open nftables connection")
	}
	existing, err := p.findTable(conn)
	if err != nil {
		return err
	}
	if existing != nil {
		conn.DelTable(existing)
	}

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: p.cfg.TableName})
	accept := nftables.ChainPolicyAccept
	hooks := []struct {
		name  string
		hook  *nftables.ChainHook
		queue uint16
	}{
		{chainOutput, nftables.ChainHookOutput, p.cfg.QueueOut},
		{chainInput, nftables.ChainHookInput, p.cfg.QueueIn},
	}
	for _, h := range hooks {
		chain := conn.AddChain(&nftables.Chain{
			Name:     h.name,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  h.hook,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &accept,
		})
		rules := p.chainRules(h.queue)
		for _, name := range ruleOrder {
			conn.AddRule(&nftables.Rule{
				Table:    table,
				Chain:    chain,
				Exprs:    rules[name],
				UserData: []byte(h.name + "_" + name),
			})
		}
	}

	if err := conn.Flush(); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "install ruleset"), "table", p.cfg.TableName)
	}
	return nil
}

func (p *LinuxProvider) removeRuleset() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open nftables connection")
	}
	table, err := p.findTable(conn)
	if err != nil || table == nil {
		return err
	}
	conn.DelTable(table)
	if err := conn.Flush(); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "remove ruleset"), "table", p.cfg.TableName)
	}
	return nil
}

// Counters returns the packet counters of the interception rules, keyed by
// chain and rule, e.g. "output_queued_tcp".
func (p *LinuxProvider) Counters() (map[string]uint64, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open nftables connection")
	}
	table, err := p.findTable(conn)
	if err != nil {
		return nil, err
	}
	counters := make(map[string]uint64)
	if table == nil {
		return counters, nil
	}

	for _, name := range []string{chainOutput, chainInput} {
		rules, err := conn.GetRules(table, &nftables.Chain{Name: name, Table: table})
		if err != nil {
			continue
		}
		for _, rule := range rules {
			for _, e := range rule.Exprs {
				if c, ok := e.(*expr.Counter); ok && len(rule.UserData) > 0 {
					counters[string(rule.UserData)] = c.Packets
				}
			}
		}
	}
	return counters, nil
}
