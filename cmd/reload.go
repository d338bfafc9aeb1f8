// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"syscall"

	"grimm.is/flowguard/internal/config"
)

// RunReload asks the running policy client to reload its rules.
// It first validates the configuration file to prevent bad loads.
func RunReload(configFile, runDir string) error {
	Printer.Printf("Validating configuration: %s\n", configFile)
	if _, err := config.LoadFile(configFile); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	Printer.Println("Configuration is valid.")

	pid, err := readPIDFile(PIDFile(runDir, PolicyName))
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	Printer.Printf("Sending SIGHUP to process %d...\n", pid)
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal process: %w", err)
	}

	Printer.Println("Reload signal sent successfully.")
	return nil
}
