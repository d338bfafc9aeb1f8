// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flowguard intercepts new connections and asks a policy process
// for a verdict on each of them.
package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/flowguard/cmd"
	"grimm.is/flowguard/internal/install"
)

const usage = `Usage: flowguard <command> [flags]

Commands:
  run           run the interception core in the foreground
  policy        run the rule based policy client in the foreground
  start         start the core (or -policy client) in the background
  stop          stop the core (or -policy client)
  reload        validate the config and reload the policy client rules
  check-config  validate a configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	sub, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL or JSON config file")
	runDir := fs.String("run-dir", "", "Directory holding pid files (default $FLOWGUARD_RUN_DIR or /run/flowguard)")
	policyProc := fs.Bool("policy", false, "Act on the policy client instead of the core")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	name := cmd.DaemonName
	if *policyProc {
		name = cmd.PolicyName
	}

	var err error
	switch sub {
	case "run":
		err = cmd.RunDaemon(*configPath, *runDir)
	case "policy":
		err = cmd.RunPolicy(*configPath, *runDir)
	case "start":
		err = cmd.RunStart(*configPath, *runDir, name)
	case "stop":
		err = cmd.RunStop(*runDir, name)
	case "reload":
		path := *configPath
		if path == "" {
			path = install.GetConfigFile()
		}
		err = cmd.RunReload(path, *runDir)
	case "check-config":
		err = cmd.RunConfigCheck(*configPath)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", sub, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
