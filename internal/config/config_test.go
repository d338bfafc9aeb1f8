// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
)

const sample = `
log {
  level = "debug"
  json  = true
}

kernel {
  provider  = "sim"
  queue_out = 100
  queue_in  = 101
}

engine {
  idle_timeout       = "5m"
  bandwidth_interval = "10s"
  adopt_unknown      = false
}

control {
  socket = env("FLOWGUARD_TEST_SOCKET")
}

policy {
  default_verdict = "drop"

  rule "dns" {
    verdict     = "redirect_nameserver"
    protocol    = "udp"
    remote_port = 53
  }

  rule "lan" {
    verdict   = "permanent_accept"
    remote_ip = "192.168.0.0/16"
  }
}
`

func TestLoadHCL(t *testing.T) {
	t.Setenv("FLOWGUARD_TEST_SOCKET", "/tmp/fg.sock")

	cfg, err := LoadHCL([]byte(sample), "flowguard.hcl")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, ProviderSim, cfg.Kernel.Provider)
	assert.Equal(t, 100, cfg.Kernel.QueueOut)
	assert.Equal(t, "/tmp/fg.sock", cfg.Control.Socket)
	assert.Equal(t, "drop", cfg.Policy.DefaultVerdict)
	require.Len(t, cfg.Policy.Rules, 2)
	assert.Equal(t, "dns", cfg.Policy.Rules[0].Name)
	assert.Equal(t, 53, cfg.Policy.Rules[0].RemotePort)

	// Defaults fill the rest.
	assert.Equal(t, "flowguard", cfg.Kernel.Table)
	assert.Equal(t, DefaultListen, cfg.API.Listen)
	assert.Equal(t, 4096, cfg.Control.QueueSize)

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ec.IdleTimeout)
	assert.Equal(t, connection.DefaultEndedRetention, ec.EndedRetention)
	assert.Equal(t, 10*time.Second, ec.BandwidthInterval)
	assert.False(t, ec.AdoptUnknown)

	lc, err := cfg.LinuxConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(100), lc.QueueOut)
	assert.Equal(t, kernel.DefaultInjectMark, lc.InjectMark)

	logCfg := cfg.LoggingConfig(nil)
	assert.Equal(t, logging.LevelDebug, logCfg.Level)
	assert.Equal(t, logging.LevelWarn, logCfg.RingLevel)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	hclPath := filepath.Join(dir, "flowguard.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(`kernel { provider = "sim" }`), 0o600))
	cfg, err := LoadFile(hclPath)
	require.NoError(t, err)
	assert.Equal(t, ProviderSim, cfg.Kernel.Provider)

	jsonPath := filepath.Join(dir, "flowguard.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"kernel": {"provider": "sim"}, "policy": {"default_verdict": "accept"}}`), 0o600))
	cfg, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "accept", cfg.Policy.DefaultVerdict)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ProviderLinux, cfg.Kernel.Provider)
	require.NotNil(t, cfg.Engine.AdoptUnknown)
	assert.True(t, *cfg.Engine.AdoptUnknown)
	assert.Equal(t, "block", cfg.Policy.DefaultVerdict)
	assert.Equal(t, 15*time.Second, cfg.RuleStatsInterval())

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ec.GCInterval)
	assert.Zero(t, ec.BandwidthInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		hcl     string
		wantErr bool
	}{
		{name: "empty", hcl: ``},
		{name: "bad log level", hcl: `log { level = "loud" }`, wantErr: true},
		{name: "bad provider", hcl: `kernel { provider = "wfp" }`, wantErr: true},
		{name: "queue out of range", hcl: `kernel { queue_out = 70000 }`, wantErr: true},
		{name: "same queues", hcl: `kernel {
  queue_out = 5
  queue_in  = 5
}`, wantErr: true},
		{name: "bad duration", hcl: `engine { gc_interval = "soon" }`, wantErr: true},
		{name: "negative duration", hcl: `engine { idle_timeout = "-1s" }`, wantErr: true},
		{name: "bad default verdict", hcl: `policy { default_verdict = "allow" }`, wantErr: true},
		{name: "bad rule verdict", hcl: `policy {
  rule "x" { verdict = "maybe" }
}`, wantErr: true},
		{name: "bad rule cidr", hcl: `policy {
  rule "x" {
    verdict   = "accept"
    remote_ip = "10.0.0.0/33"
  }
}`, wantErr: true},
		{name: "bad rule port", hcl: `policy {
  rule "x" {
    verdict      = "accept"
    remote_ports = [80, 99999]
  }
}`, wantErr: true},
		{name: "duplicate rule", hcl: `policy {
  rule "x" { verdict = "accept" }
  rule "x" { verdict = "block" }
}`, wantErr: true},
		{name: "unknown attribute", hcl: `kernel { flavour = "vanilla" }`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, errors.KindValidation), "kind: %v", errors.GetKind(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParsePrefix(t *testing.T) {
	p, err := ParsePrefix("10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 32, p.Bits())

	p, err = ParsePrefix("10.1.2.3/8")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", p.String())

	p, err = ParsePrefix("fd00::1")
	require.NoError(t, err)
	assert.Equal(t, 128, p.Bits())

	_, err = ParsePrefix("nope")
	assert.Error(t, err)
}
