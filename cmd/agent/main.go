// SPDX-License-Identifier: MIT

// Command agent runs the fleet maintenance agent: condition monitoring,
// anomaly detection, failure prediction and ticket alerting against the
// shared telemetry database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/twinforge/twinforge/internal/config"
	tflog "github.com/twinforge/twinforge/internal/log"
	"github.com/twinforge/twinforge/internal/maint"
	"github.com/twinforge/twinforge/internal/store"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	tflog.Configure(tflog.Config{
		Level:   os.Getenv("LOG_LEVEL"),
		Service: "twinforge-agent",
		Version: version,
	})
	logger := tflog.WithComponent("agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAgent()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := store.Open(ctx, store.Config{
		DatabaseURL:  cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	}, tflog.WithComponent("store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	agent := maint.NewAgent(cfg, db, maint.LogAlerter{Logger: tflog.WithComponent("alerts")}, logger)

	logger.Info().Msg("maintenance agent started")
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("agent exited with error")
	}
	logger.Info().Msg("shutdown complete")
}
