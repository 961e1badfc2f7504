// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the thub command-line application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhub/pkg/api"
	"github.com/stacklok/toolhub/pkg/env"
	"github.com/stacklok/toolhub/pkg/hub/config"
	"github.com/stacklok/toolhub/pkg/hub/health"
	"github.com/stacklok/toolhub/pkg/hub/orchestrator"
	"github.com/stacklok/toolhub/pkg/hub/registry"
	"github.com/stacklok/toolhub/pkg/hub/supervisor"
	"github.com/stacklok/toolhub/pkg/hub/transport"
	"github.com/stacklok/toolhub/pkg/logger"
	"github.com/stacklok/toolhub/pkg/telemetry"
	"github.com/stacklok/toolhub/pkg/versions"
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:               "thub",
	DisableAutoGenTag: true,
	Short:             "Toolhub - load and proxy multiple MCP tool backends",
	Long: `Toolhub (thub) loads a set of MCP (Model Context Protocol) tool backends,
starts subprocess-backed ones, connects to remote ones, and exposes each
under its own route. It provides:

- Concurrent backend loading with bounded retry
- Transparent protocol forwarding over stdio, SSE and streamable HTTP
- Per-backend failure isolation with diagnostic responses
- A management API for backend state and restarts
- Health monitoring and Prometheus metrics`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the thub CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to hub configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hub",
		Long: `Start the hub: load every configured backend, expose each under its
mount path, and serve the management API until interrupted.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for thub",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			logger.Infof("thub version: %s (commit %s, built %s, %s, %s)",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the hub configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Required fields presence
- Backend id and mount path uniqueness
- Transport and endpoint configuration validity`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Name: %s", cfg.Name)
			logger.Infof("  Listen address: %s", cfg.ListenAddress)
			logger.Infof("  Backends: %d configured", len(cfg.Backends))
			for i := range cfg.Backends {
				b := &cfg.Backends[i]
				endpoint := b.Command
				if endpoint == "" {
					endpoint = b.URL
				}
				logger.Infof("    %s (%s) -> %s", b.ID, b.Transport, endpoint)
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")

	cfg, err := config.NewYAMLLoader(configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// runServe implements the serve command logic.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return err
	}

	specs, err := cfg.ToSpecs()
	if err != nil {
		return err
	}
	logger.Infof("Configuration loaded, %d backends configured", len(specs))

	serviceName := cfg.Name
	if serviceName == "" {
		serviceName = "toolhub"
	}
	metrics, err := telemetry.New(serviceName)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("failed to shut down metrics: %v", err)
		}
	}()

	reg := registry.New()
	orch := orchestrator.New(
		reg,
		transport.NewAdapter(&env.OSReader{}),
		supervisor.New(),
		orchestrator.WithMetrics(metrics),
	)

	if err := orch.Register(specs); err != nil {
		return fmt.Errorf("backend registration failed: %w", err)
	}

	// Load backends in the background so the API is reachable while slow
	// backends are still starting.
	go func() {
		if err := orch.LoadAll(ctx); err != nil {
			logger.Errorf("backend loading aborted: %v", err)
			return
		}
		logger.Info("backend loading complete")
	}()

	interval, timeout, threshold := cfg.HealthSettings()
	monitor, err := health.NewMonitor(reg, orch, health.Config{
		Interval:           interval,
		Timeout:            timeout,
		UnhealthyThreshold: threshold,
	})
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}

	logger.Infof("Starting hub at %s", cfg.ListenAddress)
	serveErr := api.Serve(ctx, cfg.ListenAddress, false, api.Deps{
		Manager:       orch,
		Traffic:       orch.Handler(),
		Metrics:       metrics,
		TrafficPrefix: cfg.TrafficPrefix,
	})

	// The listener is down; unwind the backends before reporting.
	if err := monitor.Stop(); err != nil {
		logger.Warnf("failed to stop health monitor: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("hub shutdown failed: %v", err)
	}

	return serveErr
}
