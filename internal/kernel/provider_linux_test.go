// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/testutil"
)

func TestLinuxProviderRuleset(t *testing.T) {
	testutil.RequireNetfilter(t)

	cfg := DefaultLinuxConfig()
	cfg.TableName = "flowguard_test"
	cfg.QueueOut = 4100
	cfg.QueueIn = 4101

	p, err := OpenLinux(cfg)
	require.NoError(t, err)
	defer p.Close()
	lp := p.(*LinuxProvider)

	require.NoError(t, p.Register(context.Background()))
	counters, err := lp.Counters()
	require.NoError(t, err)
	assert.NotEmpty(t, counters)

	require.NoError(t, p.Unregister())
	counters, err = lp.Counters()
	require.NoError(t, err)
	assert.Empty(t, counters)
}
