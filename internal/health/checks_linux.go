// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package health

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"
)

// lowMemoryPercent is the available memory share below which the host is
// reported as degraded.
const lowMemoryPercent = 5

// CheckMemory verifies memory is available.
func CheckMemory(ctx context.Context) Check {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return Check{Status: StatusDegraded, Message: err.Error()}
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return Check{Status: StatusDegraded, Message: err.Error()}
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return Check{Status: StatusHealthy, Message: "meminfo incomplete"}
	}
	return memoryStatus(*mi.MemAvailable, *mi.MemTotal)
}

func memoryStatus(availableKB, totalKB uint64) Check {
	pct := availableKB * 100 / totalKB
	msg := fmt.Sprintf("%d%% of %d MiB available", pct, totalKB/1024)
	if pct < lowMemoryPercent {
		return Check{Status: StatusDegraded, Message: msg}
	}
	return Check{Status: StatusHealthy, Message: msg}
}
