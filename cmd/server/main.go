// SPDX-License-Identifier: MIT

// Command server runs the collaboration server: HTTP/WebSocket API, the
// distributed lock manager and the cross-instance edit relay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/twinforge/twinforge/internal/api"
	"github.com/twinforge/twinforge/internal/auth"
	"github.com/twinforge/twinforge/internal/config"
	"github.com/twinforge/twinforge/internal/edit"
	"github.com/twinforge/twinforge/internal/hub"
	"github.com/twinforge/twinforge/internal/ingest"
	"github.com/twinforge/twinforge/internal/kv"
	"github.com/twinforge/twinforge/internal/lock"
	tflog "github.com/twinforge/twinforge/internal/log"
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
		Service: "twinforge-server",
		Version: version,
	})
	logger := tflog.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServer()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Server) error {
	logger := tflog.WithComponent("server")

	db, err := store.Open(ctx, store.Config{
		DatabaseURL:  cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	}, tflog.WithComponent("store"))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	kvc, err := kv.New(kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, tflog.WithComponent("kv"))
	if err != nil {
		return err
	}
	defer func() { _ = kvc.Close() }()

	// Instance identity distinguishes this server's relay publishes from
	// those of its peers.
	instance := instanceID()

	locks := lock.NewManager(kvc, db, cfg.LockTTL, tflog.WithComponent("lock"))
	reaper := lock.NewReaper(locks, cfg.LockReaperInterval, cfg.LockReaperGrace, tflog.WithComponent("reaper"))

	h := hub.New(tflog.WithComponent("hub"))
	pipeline := edit.NewPipeline(db, h, kvc, instance, tflog.WithComponent("edit"))
	relay := edit.NewRelay(kvc, h, instance, tflog.WithComponent("relay"))

	authSvc := auth.New(db, cfg.JWTSecret, cfg.TokenLifetime, tflog.WithComponent("auth"))
	ing := ingest.New(db, tflog.WithComponent("ingest"))

	server := api.New(cfg, db, kvc, authSvc, locks, h, pipeline, ing, tflog.WithComponent("api"))

	ping, _ := json.Marshal(map[string]string{"type": "ping"})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return h.RunHeartbeat(gctx, cfg.WSHeartbeatInterval, ping) })

	logger.Info().
		Str("instance", instance).
		Str("addr", cfg.ListenAddr).
		Msg("collaboration server started")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
