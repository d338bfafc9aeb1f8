// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counters struct {
	m   map[string]uint64
	err error
}

func (c counters) Counters() (map[string]uint64, error) { return c.m, c.err }

func TestChecker(t *testing.T) {
	c := NewChecker()
	report := c.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)

	session := ""
	c.Register("policy", CheckPolicy(func() string { return session }))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Healthy())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "policy", report.Checks[0].Name)
	assert.False(t, report.Checks[0].LastChecked.IsZero())

	session = "abc"
	assert.Equal(t, StatusHealthy, c.Run(context.Background()).Status)

	done := make(chan struct{})
	c.Register("engine", CheckEngine(done))
	assert.Equal(t, StatusHealthy, c.Run(context.Background()).Status)
	close(done)
	report = c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.Healthy())
}

func TestMissingStatusIsUnhealthy(t *testing.T) {
	c := NewChecker()
	c.Register("broken", func(ctx context.Context) Check { return Check{} })
	assert.Equal(t, StatusUnhealthy, c.Run(context.Background()).Status)
}

func TestCheckRuleset(t *testing.T) {
	check := CheckRuleset(counters{err: errors.New("no table")})
	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)

	check = CheckRuleset(counters{})
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)

	check = CheckRuleset(counters{m: map[string]uint64{"output": 3}})
	res := check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "1 rules", res.Message)
}
