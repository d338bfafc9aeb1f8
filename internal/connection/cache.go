// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package connection tracks the verdict and lifetime of every intercepted flow.
package connection

import (
	"grimm.is/flowguard/internal/flow"
)

// Cache holds one Index per address family and dispatches on the key family.
type Cache struct {
	v4 *Index
	v6 *Index
}

// NewCache creates an empty cache. Options apply to both families.
func NewCache(opts ...IndexOption) *Cache {
	return &Cache{
		v4: NewIndex(flow.IPv4, opts...),
		v6: NewIndex(flow.IPv6, opts...),
	}
}

// Index returns the index of a family.
func (c *Cache) Index(f flow.Family) *Index {
	if f == flow.IPv6 {
		return c.v6
	}
	return c.v4
}

// Add stores rec in the index of its family.
func (c *Cache) Add(rec *Record) error {
	return c.Index(flow.FamilyOf(rec.LocalAddr)).Add(rec)
}

// Read applies fn to the record matching key.
func (c *Cache) Read(key flow.Key, fn func(r *Record)) bool {
	return c.Index(key.Family()).Read(key, fn)
}

// ReadValue is Read returning a value computed from the record.
func ReadValue[R any](c *Cache, key flow.Key, fn func(r *Record) R) (R, bool) {
	var out R
	found := c.Read(key, func(r *Record) {
		out = fn(r)
	})
	return out, found
}

// Verdict returns the cached verdict of key.
func (c *Cache) Verdict(key flow.Key) (Verdict, bool) {
	return ReadValue(c, key, func(r *Record) Verdict { return r.Verdict })
}

// UpdateVerdict sets the verdict of key.
func (c *Cache) UpdateVerdict(key flow.Key, v Verdict) (*RedirectInfo, bool) {
	return c.Index(key.Family()).UpdateVerdict(key, v)
}

// End marks key as ended.
func (c *Cache) End(key flow.Key) (Record, bool) {
	return c.Index(key.Family()).End(key)
}

// EndAllOnPort ends every active flow on a local port of one family.
func (c *Cache) EndAllOnPort(f flow.Family, pk flow.PortKey) ([]Record, bool) {
	return c.Index(f).EndAllOnPort(pk)
}

// GarbageCollect runs a GC pass over both families. See Index.GarbageCollect.
func (c *Cache) GarbageCollect(removed []Record) []Record {
	removed = c.v4.GarbageCollect(removed)
	return c.v6.GarbageCollect(removed)
}

// Clear drops every record of both families.
func (c *Cache) Clear() {
	c.v4.Clear()
	c.v6.Clear()
}

// Count returns the number of records of both families.
func (c *Cache) Count() int {
	return c.v4.Count() + c.v6.Count()
}

// Snapshot returns clones of all records, IPv4 first.
func (c *Cache) Snapshot() []Record {
	return append(c.v4.Snapshot(), c.v6.Snapshot()...)
}
