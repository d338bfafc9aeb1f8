// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connection

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

const (
	// DefaultEndedRetention is how long an ended record stays matchable for
	// late packets before GC removes it.
	DefaultEndedRetention = time.Minute
	// DefaultIdleTimeout is how long an active record may go without access
	// before GC evicts it.
	DefaultIdleTimeout = 2 * time.Minute

	portCount = 1 << 16
)

var (
	// ErrUnsupportedProtocol is returned when adding a record that is neither TCP nor UDP.
	ErrUnsupportedProtocol = errors.New(errors.KindUnsupported, "only tcp and udp connections are indexed")
	// ErrWrongFamily is returned when a record does not belong to the index's family.
	ErrWrongFamily = errors.New(errors.KindConstruction, "record address family does not match index")
)

// shard holds every record of one (protocol, local port) pair.
type shard struct {
	mu      sync.Mutex
	records []*Record
	dead    bool // detached from the index, writers must reload the slot
}

type portTable [portCount]atomic.Pointer[shard]

// Index stores the records of one address family, sharded by transport
// protocol and local port. Shards are allocated on first insert and dropped by
// GC once empty. No operation holds more than one shard lock at a time.
type Index struct {
	family flow.Family
	clock  clock.Clock
	tcp    *portTable
	udp    *portTable

	endedRetention time.Duration
	idleTimeout    time.Duration
}

// IndexOption customises an Index.
type IndexOption func(*Index)

// WithClock sets the time source.
func WithClock(c clock.Clock) IndexOption {
	return func(i *Index) { i.clock = c }
}

// WithRetention overrides the GC windows.
func WithRetention(ended, idle time.Duration) IndexOption {
	return func(i *Index) {
		if ended > 0 {
			i.endedRetention = ended
		}
		if idle > 0 {
			i.idleTimeout = idle
		}
	}
}

// NewIndex creates an empty index for family.
func NewIndex(family flow.Family, opts ...IndexOption) *Index {
	idx := &Index{
		family:         family,
		clock:          clock.RealClock{},
		tcp:            new(portTable),
		udp:            new(portTable),
		endedRetention: DefaultEndedRetention,
		idleTimeout:    DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Family returns the address family served by the index.
func (idx *Index) Family() flow.Family {
	return idx.family
}

func (idx *Index) table(p flow.Protocol) *portTable {
	switch p {
	case flow.ProtocolTCP:
		return idx.tcp
	case flow.ProtocolUDP:
		return idx.udp
	default:
		return nil
	}
}

func (idx *Index) slot(pk flow.PortKey) *atomic.Pointer[shard] {
	t := idx.table(pk.Protocol)
	if t == nil {
		return nil
	}
	return &t[pk.Port]
}

// Add appends rec to the shard of its local port. An ended record of the same
// flow is replaced so a reused tuple starts fresh. Other duplicates are allowed;
// lookups resolve them in insertion order.
func (idx *Index) Add(rec *Record) error {
	if flow.FamilyOf(rec.LocalAddr) != idx.family || flow.FamilyOf(rec.RemoteAddr) != idx.family ||
		!rec.LocalAddr.IsValid() || !rec.RemoteAddr.IsValid() {
		return errors.Attr(errors.Wrap(ErrWrongFamily, errors.KindConstruction, "add connection"), "key", rec.Key().String())
	}
	slot := idx.slot(rec.Key().Small())
	if slot == nil {
		return errors.Attr(errors.Wrap(ErrUnsupportedProtocol, errors.KindUnsupported, "add connection"), "protocol", rec.Protocol.String())
	}

	for {
		s := slot.Load()
		if s == nil {
			fresh := &shard{}
			if !slot.CompareAndSwap(nil, fresh) {
				continue
			}
			s = fresh
		}
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		if i := slices.IndexFunc(s.records, func(r *Record) bool {
			return r.Ended() && r.RemoteEquals(rec.Key())
		}); i >= 0 {
			s.records[i] = rec
		} else {
			s.records = append(s.records, rec)
		}
		s.mu.Unlock()
		return nil
	}
}

// find returns the record matching key exactly, falling back to a record whose
// redirect target matches key. Ended records stay matchable until GC removes
// them, but an active record of the same flow wins.
func find(records []*Record, key flow.Key) *Record {
	if r := firstMatch(records, key, (*Record).RemoteEquals); r != nil {
		return r
	}
	return firstMatch(records, key, (*Record).RedirectEquals)
}

func firstMatch(records []*Record, key flow.Key, match func(*Record, flow.Key) bool) *Record {
	var ended *Record
	for _, r := range records {
		if !match(r, key) {
			continue
		}
		if !r.Ended() {
			return r
		}
		if ended == nil {
			ended = r
		}
	}
	return ended
}

// withRecord runs fn on the record matching key under the shard lock and
// refreshes its access time. It reports whether a record was found.
func (idx *Index) withRecord(key flow.Key, fn func(r *Record)) bool {
	if key.Family() != idx.family {
		return false
	}
	slot := idx.slot(key.Small())
	if slot == nil {
		return false
	}
	s := slot.Load()
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := find(s.records, key)
	if r == nil {
		return false
	}
	r.LastAccessedAt = idx.clock.Now()
	fn(r)
	return true
}

// Read looks up key and applies fn to the matching record under the shard lock.
// fn may mutate the record. It returns false for unknown flows and leaves every
// shard untouched in that case.
func (idx *Index) Read(key flow.Key, fn func(r *Record)) bool {
	return idx.withRecord(key, fn)
}

// UpdateVerdict sets the verdict of the flow. For redirect verdicts the derived
// RedirectInfo is returned so the caller can program the rewrite without a
// second lookup.
func (idx *Index) UpdateVerdict(key flow.Key, v Verdict) (*RedirectInfo, bool) {
	var info *RedirectInfo
	found := idx.withRecord(key, func(r *Record) {
		r.Verdict = v
		if ri, ok := r.RedirectInfo(); ok {
			info = &ri
		}
	})
	return info, found
}

// End marks the flow as ended and returns a snapshot of it. It returns false
// when the flow is unknown or was already ended.
func (idx *Index) End(key flow.Key) (Record, bool) {
	var (
		snapshot Record
		ended    bool
	)
	idx.withRecord(key, func(r *Record) {
		if r.Ended() {
			return
		}
		r.EndedAt = idx.clock.Now()
		snapshot = r.Clone()
		ended = true
	})
	return snapshot, ended
}

// EndAllOnPort ends every active record on a local port with a shared end
// timestamp. Records that were already ended are not returned.
func (idx *Index) EndAllOnPort(pk flow.PortKey) ([]Record, bool) {
	slot := idx.slot(pk)
	if slot == nil {
		return nil, false
	}
	s := slot.Load()
	if s == nil {
		return nil, false
	}

	now := idx.clock.Now()
	var ended []Record

	s.mu.Lock()
	for _, r := range s.records {
		if r.Ended() {
			continue
		}
		r.EndedAt = now
		ended = append(ended, r.Clone())
	}
	s.mu.Unlock()

	return ended, len(ended) > 0
}

// GarbageCollect removes records that were ended longer than the retention
// window, and evicts active records idle longer than the idle timeout. Idle
// evictions are appended to removed while it has spare capacity; once full,
// remaining idle records are kept for the next pass. Ended records are dropped
// silently because their end was already reported.
func (idx *Index) GarbageCollect(removed []Record) []Record {
	now := idx.clock.Now()
	for _, t := range []*portTable{idx.tcp, idx.udp} {
		for port := range t {
			slot := &t[port]
			s := slot.Load()
			if s == nil {
				continue
			}
			removed = idx.collectShard(slot, s, now, removed)
		}
	}
	return removed
}

func (idx *Index) collectShard(slot *atomic.Pointer[shard], s *shard, now time.Time, removed []Record) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, r := range s.records {
		switch {
		case r.Ended():
			if now.Sub(r.EndedAt) >= idx.endedRetention {
				continue
			}
		case now.Sub(r.LastAccessedAt) >= idx.idleTimeout:
			if len(removed) < cap(removed) {
				removed = append(removed, r.Clone())
				continue
			}
		}
		kept = append(kept, r)
	}
	clear(s.records[len(kept):])
	s.records = kept

	if len(s.records) == 0 && !s.dead {
		s.dead = true
		slot.CompareAndSwap(s, nil)
	}
	return removed
}

// Clear drops every record.
func (idx *Index) Clear() {
	for _, t := range []*portTable{idx.tcp, idx.udp} {
		for port := range t {
			slot := &t[port]
			s := slot.Load()
			if s == nil {
				continue
			}
			s.mu.Lock()
			s.dead = true
			s.records = nil
			slot.CompareAndSwap(s, nil)
			s.mu.Unlock()
		}
	}
}

// Count returns the number of records, ended ones included.
func (idx *Index) Count() int {
	n := 0
	idx.eachShard(func(s *shard) {
		n += len(s.records)
	})
	return n
}

// ShardCount returns the number of allocated shards.
func (idx *Index) ShardCount() int {
	n := 0
	idx.eachShard(func(*shard) { n++ })
	return n
}

// Snapshot returns clones of every record ordered by key.
func (idx *Index) Snapshot() []Record {
	var out []Record
	idx.eachShard(func(s *shard) {
		for _, r := range s.records {
			out = append(out, r.Clone())
		}
	})
	slices.SortStableFunc(out, func(a, b Record) int {
		return a.Key().Compare(b.Key())
	})
	return out
}

func (idx *Index) eachShard(fn func(s *shard)) {
	for _, t := range []*portTable{idx.tcp, idx.udp} {
		for port := range t {
			s := t[port].Load()
			if s == nil {
				continue
			}
			s.mu.Lock()
			fn(s)
			s.mu.Unlock()
		}
	}
}
