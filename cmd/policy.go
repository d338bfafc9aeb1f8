// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/install"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/policy"
	"grimm.is/flowguard/internal/protocol"
)

// logPollInterval is how often the policy client asks the core for its
// buffered log lines.
const logPollInterval = 10 * time.Second

// severityLevel maps a log line severity back to a log level.
func severityLevel(sev uint8) logging.Level {
	switch {
	case sev >= engine.SeverityError:
		return logging.LevelError
	case sev == engine.SeverityWarning:
		return logging.LevelWarn
	case sev == engine.SeverityInfo:
		return logging.LevelInfo
	default:
		return logging.LevelDebug
	}
}

// observer logs the informational events sent by the core.
func observer(logger *logging.Logger) func(protocol.Info) {
	core := logger.WithComponent("core")
	return func(info protocol.Info) {
		switch v := info.(type) {
		case protocol.LogLine:
			switch severityLevel(v.Severity) {
			case logging.LevelError:
				core.Error(v.Line)
			case logging.LevelWarn:
				core.Warn(v.Line)
			case logging.LevelInfo:
				core.Info(v.Line)
			default:
				core.Debug(v.Line)
			}
		case protocol.ConnectionEnd:
			logger.Debug("connection ended",
				"protocol", v.Protocol.String(),
				"local", v.Local.String(),
				"remote", v.Remote.String(),
				"pid", v.ProcessID,
			)
		case protocol.BandwidthStats:
			var rx, tx uint64
			for _, b := range v.Values {
				rx += b.ReceivedBytes
				tx += b.TransmittedBytes
			}
			logger.Debug("bandwidth report",
				"protocol", v.Protocol.String(),
				"family", v.Family.String(),
				"flows", len(v.Values),
				"rx_bytes", rx,
				"tx_bytes", tx,
			)
		case protocol.Connection:
			if v.ID == 0 {
				logger.Debug("connection observed", "protocol", v.Protocol.String(), "remote", v.Remote.String())
			}
		}
	}
}

// RunPolicy connects to the core and answers its connection requests with
// the configured rules until interrupted. SIGHUP reloads the rules.
func RunPolicy(configFile, runDir string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger, _ := setupLogging(cfg)
	if err := SetProcessName(PolicyName); err != nil {
		logger.Debug("failed to set process name", "error", err)
	}

	rules, err := policy.NewRuleEngine(cfg.Policy, logger.WithComponent("policy"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	client, err := ctlplane.Dial(ctx, cfg.Control.Socket)
	if err != nil {
		return err
	}
	defer client.Close()

	pidFile := PIDFile(runDir, PolicyName)
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer os.Remove(pidFile)

	logger.Info("policy client connected", "socket", cfg.Control.Socket, "rules", len(rules.Rules()))

	go func() {
		ticker := time.NewTicker(logPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reloadRules(configFile, rules, logger)
			case <-ticker.C:
				if err := client.Send(protocol.GetLogs{}); err != nil {
					logger.Debug("failed to request logs", "error", err)
				}
			}
		}
	}()

	err = client.Answer(ctx, rules.Decide, observer(logger))
	if err == context.Canceled {
		return nil
	}
	if err == nil {
		logger.Info("core closed the connection")
	}
	return err
}

func reloadRules(configFile string, rules *policy.RuleEngine, logger *logging.Logger) {
	if configFile == "" {
		configFile = install.GetConfigFile()
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		logger.Error("reload failed, keeping previous rules", "error", err)
		return
	}
	if err := rules.Load(cfg.Policy); err != nil {
		logger.Error("reload failed, keeping previous rules", "error", err)
		return
	}
	logger.Info("rules reloaded", "rules", len(rules.Rules()))
}
