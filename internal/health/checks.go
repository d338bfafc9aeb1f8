// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"context"
	"fmt"
)

// CheckEngine is unhealthy once the engine has shut down.
func CheckEngine(done <-chan struct{}) CheckFunc {
	return func(ctx context.Context) Check {
		select {
		case <-done:
			return Check{Status: StatusUnhealthy, Message: "engine shut down"}
		default:
			return Check{Status: StatusHealthy}
		}
	}
}

// CheckPolicy is degraded while no policy client is attached. Connections
// still park, but nothing will answer them.
func CheckPolicy(sessionID func() string) CheckFunc {
	return func(ctx context.Context) Check {
		if id := sessionID(); id != "" {
			return Check{Status: StatusHealthy, Message: "session " + id}
		}
		return Check{Status: StatusDegraded, Message: "no policy client attached"}
	}
}

// CounterSource matches the interception ruleset counters.
type CounterSource interface {
	Counters() (map[string]uint64, error)
}

// CheckRuleset verifies the interception ruleset is installed and readable.
func CheckRuleset(src CounterSource) CheckFunc {
	return func(ctx context.Context) Check {
		counters, err := src.Counters()
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		if len(counters) == 0 {
			return Check{Status: StatusDegraded, Message: "ruleset has no counters"}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d rules", len(counters))}
	}
}
