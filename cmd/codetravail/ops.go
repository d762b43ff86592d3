package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/colonylab/codetravail-bot/internal/config"
	"github.com/colonylab/codetravail-bot/internal/health"
	"github.com/colonylab/codetravail-bot/internal/sysinfo"
)

// healthReportFile is written by "health --json" in the working
// directory.
const healthReportFile = "health_report.json"

// opsPaths returns the PID and log files the running bot uses. A
// configuration that does not load falls back to the defaults so the
// other checks still run.
func opsPaths(opts options) (pidFile, logFile string) {
	cfg, err := config.Load(config.LoadOptions{Path: opts.configPath, EnvFile: opts.envFile})
	if err != nil {
		cfg = config.Default()
	}
	return cfg.PIDFile, cfg.Log.File
}

func runHealth(ctx context.Context, stdout io.Writer, opts options) error {
	probe, err := sysinfo.New()
	if err != nil {
		return err
	}
	pidFile, logFile := opsPaths(opts)
	checker := &health.Checker{
		Sampler:  probe,
		PIDFile:  pidFile,
		DiskPath: ".",
		LogFile:  logFile,
		Config: func() error {
			_, _, err := loadConfig(opts)
			return err
		},
	}

	report := checker.Run(ctx)
	report.Print(stdout)
	if opts.json {
		if err := report.WriteJSON(healthReportFile); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "\n📄 Rapport sauvegardé dans %s\n", healthReportFile)
	}
	if !report.Healthy() {
		return errUnhealthy
	}
	return nil
}

func runMonitor(ctx context.Context, stdout io.Writer, opts options) error {
	probe, err := sysinfo.New()
	if err != nil {
		return err
	}
	pidFile, logFile := opsPaths(opts)
	m := &health.Monitor{
		Sampler:    probe,
		PIDFile:    pidFile,
		DiskPath:   ".",
		LogFile:    logFile,
		Thresholds: health.DefaultThresholds(),
	}

	if opts.continuous {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return m.Watch(ctx, stdout, opts.interval)
	}

	snap, err := m.Snapshot(ctx)
	if err != nil {
		return err
	}
	if opts.json {
		if err := snap.WriteJSON(stdout); err != nil {
			return err
		}
	} else {
		snap.Print(stdout)
	}
	if !snap.Healthy {
		return errUnhealthy
	}
	return nil
}
