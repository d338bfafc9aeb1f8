// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package install

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaths(t *testing.T) {
	t.Setenv("FLOWGUARD_PREFIX", "")
	t.Setenv("FLOWGUARD_RUN_DIR", "")
	t.Setenv("FLOWGUARD_SOCKET", "")
	assert.Equal(t, DefaultRunDir, GetRunDir())
	assert.Equal(t, "/run/flowguard/policy.sock", GetSocketPath())

	t.Setenv("FLOWGUARD_PREFIX", "/opt/fg")
	assert.Equal(t, "/opt/fg/run", GetRunDir())
	assert.Equal(t, "/opt/fg/log", GetLogDir())
	assert.Equal(t, "/opt/fg/config/flowguard.hcl", GetConfigFile())

	t.Setenv("FLOWGUARD_RUN_DIR", "/tmp/fgrun")
	assert.Equal(t, "/tmp/fgrun", GetRunDir())
	assert.Equal(t, "/tmp/fgrun/policy.sock", GetSocketPath())

	t.Setenv("FLOWGUARD_SOCKET", "/tmp/x.sock")
	assert.Equal(t, "/tmp/x.sock", GetSocketPath())
}
