// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/flowguard/internal/api"
	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/health"
	"grimm.is/flowguard/internal/install"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
)

// shutdownTimeout bounds the API shutdown.
const shutdownTimeout = 5 * time.Second

// loadConfig reads path, or returns the defaults when path is empty and the
// default file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(install.GetConfigFile()); err != nil {
			return config.Default(), nil
		}
		path = install.GetConfigFile()
	}
	return config.LoadFile(path)
}

// setupLogging builds the process logger. The ring is nil when buffering for
// policy is disabled.
func setupLogging(cfg *config.Config) (*logging.Logger, *logging.Ring) {
	var ring *logging.Ring
	if cfg.Log.RingSize > 0 {
		ring = logging.NewRing(cfg.Log.RingSize)
	}
	logger := logging.New(cfg.LoggingConfig(ring))
	logging.SetDefault(logger)
	return logger, ring
}

func openProvider(cfg *config.Config, logger *logging.Logger) (kernel.Provider, error) {
	switch cfg.Kernel.Provider {
	case config.ProviderSim:
		logger.Warn("using the simulation provider; no traffic is intercepted")
		return kernel.NewSimProvider(cfg.SimConfig()), nil
	default:
		lc, err := cfg.LinuxConfig()
		if err != nil {
			return nil, err
		}
		lc.Logger = logger.WithComponent("kernel")
		return kernel.OpenLinux(lc)
	}
}

// RunDaemon runs the interception core in the foreground until it receives
// SIGINT or SIGTERM, or policy sends Shutdown.
func RunDaemon(configFile, runDir string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger, ring := setupLogging(cfg)
	if err := SetProcessName(DaemonName); err != nil {
		logger.Debug("failed to set process name", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := openProvider(cfg, logger)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open kernel provider")
	}
	defer provider.Close()

	m := metrics.NewMetrics()
	queue := ctlplane.NewQueue(cfg.Control.QueueSize)
	hub := api.NewHub(queue, logger.WithComponent("events"))

	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	ec.Logger = logger.WithComponent("engine")
	ec.Ring = ring
	ec.Metrics = m
	eng := engine.New(ec, provider, hub)

	server := ctlplane.NewServer(cfg.Control.Socket, queue, eng, logger.WithComponent("ctlplane"))
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Close()

	var counters metrics.CounterSource
	if src, ok := provider.(metrics.CounterSource); ok {
		counters = src
	}
	collector := metrics.NewCollector(m, logger.WithComponent("metrics"), cfg.RuleStatsInterval(), counters)
	collector.AddSampler(eng.Sample)
	go collector.Start()
	defer collector.Stop()

	checker := health.NewChecker()
	checker.Register("engine", health.CheckEngine(eng.Done()))
	checker.Register("policy", health.CheckPolicy(server.SessionID))
	checker.Register("memory", health.CheckMemory)
	if counters != nil {
		checker.Register("ruleset", health.CheckRuleset(counters))
	}

	if cfg.API.Enabled {
		apiServer, err := api.NewServer(api.Options{
			Engine:    eng,
			Registry:  metrics.NewRegistry(m),
			Collector: collector,
			Health:    checker,
			Ring:      ring,
			Hub:       hub,
			Logger:    logger.WithComponent("api"),
		})
		if err != nil {
			return err
		}
		if err := apiServer.Start(cfg.API.Listen); err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := apiServer.Shutdown(sctx); err != nil {
				logger.Warn("api shutdown failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- provider.Run(ctx, eng) }()
	go func() { errCh <- eng.Run(ctx) }()

	if err := provider.Register(ctx); err != nil {
		eng.Shutdown()
		return errors.Wrap(err, errors.KindUnavailable, "register filters")
	}
	defer func() {
		if err := provider.Unregister(); err != nil {
			logger.Error("failed to remove filters", "error", err)
		}
	}()

	pidFile := PIDFile(runDir, DaemonName)
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer os.Remove(pidFile)

	logger.Info("flowguard running",
		"provider", cfg.Kernel.Provider,
		"socket", cfg.Control.Socket,
		"api", cfg.API.Enabled,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-eng.Done():
		logger.Info("policy requested shutdown")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("interception stopped", "error", runErr)
		}
	}

	// Release parked packets before the filters go away.
	eng.Shutdown()
	cancel()
	return runErr
}
