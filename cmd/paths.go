// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the flowguard subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/install"
)

// BinaryName is the name of the flowguard executable.
const BinaryName = "flowguard"

// Process names, also used for pid and log file names.
const (
	DaemonName = "flowguard"
	PolicyName = "flowguard-policy"
)

// printer writes user facing command output.
type printer struct {
	out io.Writer
}

func (p printer) Printf(format string, args ...any) { fmt.Fprintf(p.out, format, args...) }
func (p printer) Println(args ...any)               { fmt.Fprintln(p.out, args...) }
func (p printer) Fprintf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

// Printer is the output of every subcommand.
var Printer = printer{out: os.Stdout}

// PIDFile returns the pid file path of a process.
func PIDFile(runDir, name string) string {
	if runDir == "" {
		runDir = install.GetRunDir()
	}
	return filepath.Join(runDir, name+".pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "create run directory")
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "write pid file")
	}
	return nil
}

// readPIDFile returns the pid stored at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Errorf(errors.KindNotFound, "no PID file found at %s (is it running?)", path)
		}
		return 0, errors.Wrap(err, errors.KindUnavailable, "failed to read PID file")
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.Errorf(errors.KindValidation, "invalid PID in file: %q", pidStr)
	}
	return pid, nil
}
