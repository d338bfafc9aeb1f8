// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, memoryStatus(4<<20, 8<<20).Status)
	res := memoryStatus(100<<10, 8<<20)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "1% of 8192 MiB available", res.Message)
}
