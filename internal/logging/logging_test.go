// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLogger_ComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf}).WithComponent("engine")

	logger.Debug("hidden")
	logger.Info("verdict received", "id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "component=engine")
	assert.Contains(t, out, "id=7")
}

func TestLogger_RingTee(t *testing.T) {
	var buf bytes.Buffer
	ring := NewRing(8)
	logger := New(Config{Level: LevelError, Output: &buf, Ring: ring, RingLevel: LevelWarn})

	logger.Info("not kept")
	logger.With("port", 53).Warn("injection failed", "error", "EPERM")

	lines := ring.Flush()
	require.Len(t, lines, 1)
	assert.Equal(t, LevelWarn, lines[0].Level)
	assert.True(t, strings.HasPrefix(lines[0].Message, "injection failed"))
	assert.Contains(t, lines[0].Message, "port=53")
	assert.Contains(t, lines[0].Message, "error=EPERM")

	// Output level is error, so the warn line only reached the ring.
	assert.Empty(t, buf.String())
}

func TestRing_OverwritesOldest(t *testing.T) {
	ring := NewRing(3)
	for i := 0; i < 5; i++ {
		ring.Add(Line{Level: LevelInfo, Time: time.Unix(int64(i), 0), Message: string(rune('a' + i))})
	}

	assert.Equal(t, 3, ring.Len())
	assert.Equal(t, uint64(2), ring.Dropped())

	lines := ring.Flush()
	require.Len(t, lines, 3)
	assert.Equal(t, "c", lines[0].Message)
	assert.Equal(t, "e", lines[2].Message)

	assert.Empty(t, ring.Flush())

	ring.Add(Line{Message: "f"})
	lines = ring.Flush()
	require.Len(t, lines, 1)
	assert.Equal(t, "f", lines[0].Message)
}

func TestRing_Recent(t *testing.T) {
	ring := NewRing(3)
	assert.Empty(t, ring.Recent(0))

	for _, m := range []string{"a", "b", "c", "d"} {
		ring.Add(Line{Message: m})
	}
	ring.Flush()

	lines := ring.Recent(0)
	require.Len(t, lines, 3)
	assert.Equal(t, "b", lines[0].Message)
	assert.Equal(t, "d", lines[2].Message)

	lines = ring.Recent(2)
	require.Len(t, lines, 2)
	assert.Equal(t, "c", lines[0].Message)

	assert.Zero(t, ring.Len(), "recent does not mark lines unread")
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	defer SetDefault(prev)

	SetDefault(New(Config{Level: LevelDebug, Output: &buf}))
	WithComponent("gc").Debug("sweep", "evicted", 2)
	assert.Contains(t, buf.String(), "component=gc")
}
