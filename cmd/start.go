// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/install"
)

// subcommandFor maps a process name to the subcommand that runs it in the
// foreground.
var subcommandFor = map[string]string{
	DaemonName: "run",
	PolicyName: "policy",
}

// RunStart starts the daemon or the policy client in the background.
func RunStart(configFile, runDir, name string) error {
	sub, ok := subcommandFor[name]
	if !ok {
		return fmt.Errorf("unknown process %q", name)
	}
	if configFile == "" {
		configFile = install.GetConfigFile()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s\n\n"+
			"Create a minimal config with:\n"+
			"  mkdir -p %s\n"+
			"  echo 'policy { default_verdict = \"accept\" }' > %s",
			configFile, filepath.Dir(configFile), configFile)
	}

	// Validate before forking so errors reach the user.
	if _, err := config.LoadFile(configFile); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	pidFile := PIDFile(runDir, name)
	if pid, err := readPIDFile(pidFile); err == nil {
		if process, err := os.FindProcess(pid); err == nil {
			if err := process.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("process already running (PID: %d)", pid)
			}
		}
		Printer.Printf("Warning: Removing stale PID file %s\n", pidFile)
		os.Remove(pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	args := []string{sub, "-config", configFile}
	if runDir != "" {
		args = append(args, "-run-dir", runDir)
	}
	cmd := exec.Command(exe, args...)

	if err := os.MkdirAll(install.GetLogDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile := filepath.Join(install.GetLogDir(), name+".log")
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logF.Close()

	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	Printer.Printf("Started %s (PID: %d)\n", name, pid)
	Printer.Printf("Logs: %s\n", logFile)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		Printer.Fprintf(os.Stderr, "\nError: %s exited immediately.\n", name)
		if lines := tailLogFile(logFile, 10); len(lines) > 0 {
			Printer.Fprintf(os.Stderr, "Log output:\n")
			for _, line := range lines {
				if line != "" {
					Printer.Fprintf(os.Stderr, "  %s\n", line)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("%s failed to start: %w", name, err)
		}
		return fmt.Errorf("%s exited unexpectedly", name)

	case <-time.After(500 * time.Millisecond):
		if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("%s died during startup (check logs: %s)", name, logFile)
		}
		return nil
	}
}

// tailLogFile returns the last n lines of a log file
func tailLogFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
