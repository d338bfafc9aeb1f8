// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"

	"grimm.is/flowguard/internal/policy"
)

// RunConfigCheck loads and validates a configuration and prints a summary.
func RunConfigCheck(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := cfg.EngineConfig(); err != nil {
		return fmt.Errorf("invalid engine block: %w", err)
	}
	rules, err := policy.NewRuleEngine(cfg.Policy, nil)
	if err != nil {
		return fmt.Errorf("invalid policy block: %w", err)
	}

	Printer.Printf("Provider:       %s\n", cfg.Kernel.Provider)
	Printer.Printf("Control socket: %s\n", cfg.Control.Socket)
	if cfg.API.Enabled {
		Printer.Printf("API:            %s\n", cfg.API.Listen)
	} else {
		Printer.Printf("API:            disabled\n")
	}
	Printer.Printf("Default:        %s\n", cfg.Policy.DefaultVerdict)
	Printer.Printf("Rules:          %d\n", len(rules.Rules()))
	for i, r := range rules.Rules() {
		Printer.Printf("  %2d. %-20s %s\n", i+1, r.Name, r.Verdict)
	}
	Printer.Println("Configuration is valid.")
	return nil
}
