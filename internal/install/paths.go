// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package install resolves the filesystem locations used by flowguard.
package install

import (
	"os"
	"path/filepath"
)

// EnvPrefix prefixes every path override variable.
const EnvPrefix = "FLOWGUARD"

// SocketName is the file name of the control plane socket.
const SocketName = "policy.sock"

// Defaults. Distributions may override them at build time:
//
//	go build -ldflags "-X grimm.is/flowguard/internal/install.BuildDefaultRunDir=/var/run/flowguard"
var (
	DefaultConfigDir = "/etc/flowguard"
	DefaultLogDir    = "/var/log/flowguard"
	DefaultRunDir    = "/run/flowguard"

	BuildDefaultConfigDir = ""
	BuildDefaultLogDir    = ""
	BuildDefaultRunDir    = ""
)

func init() {
	if BuildDefaultConfigDir != "" {
		DefaultConfigDir = BuildDefaultConfigDir
	}
	if BuildDefaultLogDir != "" {
		DefaultLogDir = BuildDefaultLogDir
	}
	if BuildDefaultRunDir != "" {
		DefaultRunDir = BuildDefaultRunDir
	}
}

// resolve applies the override order <PREFIX>_<name>_DIR, then
// <PREFIX>_PREFIX/<sub>, then def.
func resolve(name, sub, def string) string {
	if dir := os.Getenv(EnvPrefix + "_" + name + "_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(EnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// GetConfigDir returns the config directory.
// Priority: FLOWGUARD_CONFIG_DIR > FLOWGUARD_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return resolve("CONFIG", "config", DefaultConfigDir)
}

// GetLogDir returns the log directory.
// Priority: FLOWGUARD_LOG_DIR > FLOWGUARD_PREFIX/log > DefaultLogDir
func GetLogDir() string {
	return resolve("LOG", "log", DefaultLogDir)
}

// GetRunDir returns the runtime directory for sockets and PID files.
// Priority: FLOWGUARD_RUN_DIR > FLOWGUARD_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	return resolve("RUN", "run", DefaultRunDir)
}

// GetConfigFile returns the default configuration file.
func GetConfigFile() string {
	return filepath.Join(GetConfigDir(), "flowguard.hcl")
}

// GetSocketPath returns the full path to the control plane socket.
// Priority: FLOWGUARD_SOCKET > <run dir>/policy.sock
func GetSocketPath() string {
	if path := os.Getenv(EnvPrefix + "_SOCKET"); path != "" {
		return path
	}
	return filepath.Join(GetRunDir(), SocketName)
}
