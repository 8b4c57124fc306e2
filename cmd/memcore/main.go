// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Command memcore seeds global documents and runs one-shot chat turns
// against a memcore deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/groundchat/memcore/pkg/config"
	"github.com/groundchat/memcore/pkg/core"
	"github.com/groundchat/memcore/pkg/observability/logging"
)

var (
	// Version is set via ldflags during build
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	seedDir := flag.String("seed-dir", "", "Publish every file in this directory as a global document")
	tenant := flag.String("tenant", "", "Tenant for -ask")
	ask := flag.String("ask", "", "Run one chat turn for -tenant and print the answer")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("memcore\nVersion: %s\nBuild Time: %s\n", Version, BuildTime)
		os.Exit(0)
	}
	if *seedDir == "" && *ask == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *ask != "" && *tenant == "" {
		fmt.Fprintln(os.Stderr, "-ask requires -tenant")
		os.Exit(2)
	}

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		var err error
		if cfg, err = config.Default(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if cfgErr != nil {
		logger.Warn("Failed to load config, using defaults", "error", cfgErr)
	}
	logger.Info("Starting memcore", "version", Version, "build_time", BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := core.Open(ctx, cfg, logger.Logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer svc.Close(context.Background())

	if *seedDir != "" {
		if err := seed(ctx, svc, logger, *seedDir); err != nil {
			logger.Error("Seeding failed", "dir", *seedDir, "error", err)
			svc.Close(context.Background())
			os.Exit(1)
		}
	}

	if *ask != "" {
		res, err := svc.Chat(ctx, *tenant, *ask, nil)
		if err != nil {
			logger.Error("Chat failed", "tenant_id", *tenant, "error", err)
			svc.Close(context.Background())
			os.Exit(1)
		}
		logger.Debug("Prompt", "prompt", res.Prompt)
		fmt.Println(res.Answer)
	}
}

// seed publishes the regular files of dir. Files already published are
// skipped.
func seed(ctx context.Context, svc *core.Service, logger *logging.Logger, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	published, skipped, failed := 0, 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		res, err := svc.SeedGlobal(ctx, e.Name(), data)
		switch {
		case core.IsConflict(err):
			skipped++
			logger.Debug("Already published", "file", e.Name())
		case err != nil:
			failed++
			logger.Error("Failed to publish", "file", e.Name(), "error", err)
		default:
			published++
			if res.Ingest.Warning != "" {
				logger.Warn("Published without chunks", "file", e.Name(), "warning", res.Ingest.Warning)
			}
		}
	}
	logger.Info("Seeding complete", "published", published, "skipped", skipped, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed", failed)
	}
	return nil
}
