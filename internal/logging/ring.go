// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Line is a single buffered log record.
type Line struct {
	Level   Level
	Time    time.Time
	Message string
}

type ringSlot struct {
	seq  uint64 // write sequence + 1 of the line stored here, 0 when empty
	line Line
}

// Ring is a fixed capacity buffer of log lines. Writers never block on readers:
// once full, the oldest unread line is overwritten.
type Ring struct {
	mu      sync.Mutex
	slots   []ringSlot
	next    uint64 // sequence of the next write
	flushed uint64 // sequence of the first unread line
	dropped uint64
}

// NewRing creates a ring holding up to capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{slots: make([]ringSlot, capacity)}
}

// Add appends a line, overwriting the oldest one when the ring is full.
func (r *Ring) Add(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := &r.slots[r.next%uint64(len(r.slots))]
	if slot.seq != 0 && slot.seq-1 >= r.flushed {
		r.dropped++
	}
	slot.seq = r.next + 1
	slot.line = line
	r.next++
}

// Flush returns every unread line in write order and marks them read.
func (r *Ring) Flush() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := uint64(len(r.slots))
	start := r.flushed
	if r.next > capacity && r.next-capacity > start {
		start = r.next - capacity
	}

	lines := make([]Line, 0, r.next-start)
	for seq := start; seq < r.next; seq++ {
		slot := &r.slots[seq%capacity]
		if slot.seq != seq+1 {
			continue
		}
		lines = append(lines, slot.line)
	}
	r.flushed = r.next
	return lines
}

// Recent returns up to n buffered lines, newest last, without marking them
// read. n <= 0 returns everything still held.
func (r *Ring) Recent(n int) []Line {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := uint64(len(r.slots))
	var start uint64
	if r.next > capacity {
		start = r.next - capacity
	}
	if n > 0 && r.next-start > uint64(n) {
		start = r.next - uint64(n)
	}

	lines := make([]Line, 0, r.next-start)
	for seq := start; seq < r.next; seq++ {
		if slot := &r.slots[seq%capacity]; slot.seq == seq+1 {
			lines = append(lines, slot.line)
		}
	}
	return lines
}

// Len returns the number of unread lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next - r.flushed
	if n > uint64(len(r.slots)) {
		n = uint64(len(r.slots))
	}
	return int(n)
}

// Dropped returns how many unread lines were overwritten.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// ringHandler tees records into a Ring before passing them on.
type ringHandler struct {
	inner slog.Handler
	ring  *Ring
	min   slog.Level
	attrs []slog.Attr
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || level >= h.min
}

func (h *ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= h.min {
		var sb strings.Builder
		sb.WriteString(rec.Message)
		for _, a := range h.attrs {
			fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		}
		rec.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
			return true
		})
		h.ring.Add(Line{Level: Level(rec.Level), Time: rec.Time, Message: sb.String()})
	}
	if h.inner.Enabled(ctx, rec.Level) {
		return h.inner.Handle(ctx, rec)
	}
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ringHandler{inner: h.inner.WithAttrs(attrs), ring: h.ring, min: h.min, attrs: merged}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	return &ringHandler{inner: h.inner.WithGroup(name), ring: h.ring, min: h.min, attrs: h.attrs}
}
