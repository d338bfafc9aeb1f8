// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package kernel

// OpenLinux is unavailable on this platform.
func OpenLinux(cfg LinuxConfig) (Provider, error) {
	return nil, ErrUnsupportedPlatform
}
