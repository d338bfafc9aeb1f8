// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package health

import "context"

// CheckMemory verifies memory is available.
func CheckMemory(ctx context.Context) Check {
	return Check{Status: StatusHealthy, Message: "procfs unsupported on this OS (stubbed)"}
}
