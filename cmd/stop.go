// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// RunStop stops a running flowguard process. name is DaemonName or
// PolicyName.
func RunStop(runDir, name string) error {
	pidFile := PIDFile(runDir, name)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	Printer.Printf("Stopping %s (PID: %d)...\n", name, pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// The process removes its pid file once parked packets are released.
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			Printer.Println("Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	Printer.Println("Warning: PID file still exists. Process might be stuck or slow to shutdown.")
	return nil
}
