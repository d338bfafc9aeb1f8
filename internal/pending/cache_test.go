// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pending

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PushPop(t *testing.T) {
	c := New[string]()
	a := c.Push("a")
	b := c.Push("b")
	d := c.Push("d")
	assert.Equal(t, uint64(1), a)
	assert.Less(t, a, b)
	assert.Less(t, b, d)

	v, ok := c.Pop(b)
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = c.Pop(b)
	assert.False(t, ok, "double pop")

	_, ok = c.Pop(999)
	assert.False(t, ok)
	_, ok = c.Pop(0)
	assert.False(t, ok)

	assert.Equal(t, []uint64{a, d}, c.IDs())
	assert.Equal(t, 2, c.Len())
}

func TestCache_IDsNeverReused(t *testing.T) {
	c := New[int]()
	first := c.Push(1)
	_, ok := c.Pop(first)
	require.True(t, ok)
	assert.NotEqual(t, first, c.Push(2))
}

func TestCache_Drain(t *testing.T) {
	c := New[int]()
	for i := 0; i < 5; i++ {
		c.Push(i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, c.Drain())
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Drain())
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int]()
	var wg sync.WaitGroup
	ids := make(chan uint64, 400)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ids <- c.Push(i)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
		_, ok := c.Pop(id)
		assert.True(t, ok)
	}
	assert.Equal(t, 0, c.Len())
}

func TestCache_Range(t *testing.T) {
	c := New[string]()
	c.Push("a")
	id := c.Push("b")
	c.Push("c")
	c.Pop(id)

	var seen []string
	var ids []uint64
	c.Range(func(id uint64, v string) {
		ids = append(ids, id)
		seen = append(seen, v)
	})
	assert.Equal(t, []string{"a", "c"}, seen)
	assert.Equal(t, c.IDs(), ids)
}

func TestCache_PopReleasesValue(t *testing.T) {
	c := New[*[]byte]()
	for range 3 {
		buf := make([]byte, 1500)
		c.Push(&buf)
	}

	_, ok := c.Pop(1)
	require.True(t, ok)
	require.Len(t, c.entries, 2)

	tail := c.entries[:cap(c.entries)]
	for _, e := range tail[len(c.entries):] {
		assert.Nil(t, e.value)
		assert.Zero(t, e.id)
	}
}
