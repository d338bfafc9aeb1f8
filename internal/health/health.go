// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health runs liveness checks for the interception service.
package health

import (
	"context"
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check is the result of one health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
}

// CheckFunc performs a check. It should honour ctx.
type CheckFunc func(ctx context.Context) Check

// Report aggregates all checks. Status is the worst individual status.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Healthy reports whether nothing is unhealthy. Degraded counts as healthy.
func (r Report) Healthy() bool {
	return r.Status != StatusUnhealthy
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs registered checks.
type Checker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	timeout time.Duration
}

// NewChecker creates a checker with a 5 second per-check timeout.
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second}
}

// Register adds a check. Checks run in registration order.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// Run executes every check.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	report := Report{Status: StatusHealthy, Checks: make([]Check, 0, len(checks))}
	for _, nc := range checks {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		start := clock.Now()
		res := nc.fn(cctx)
		cancel()

		res.Name = nc.name
		if res.Status == "" {
			res.Status = StatusUnhealthy
		}
		if res.LastChecked.IsZero() {
			res.LastChecked = start
		}
		res.Duration = clock.Now().Sub(start)

		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}
