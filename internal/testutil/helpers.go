// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// RequireNetfilter skips the test unless FLOWGUARD_NETFILTER_TEST is set and
// the test runs as root. Such tests install real nftables rules and nfqueue
// bindings, so they belong in a disposable VM or network namespace.
func RequireNetfilter(t *testing.T) {
	t.Helper()
	if os.Getenv("FLOWGUARD_NETFILTER_TEST") == "" {
		t.Skip("Skipping test: requires FLOWGUARD_NETFILTER_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
