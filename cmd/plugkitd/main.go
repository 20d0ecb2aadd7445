package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deskforge/plugkit/internal/config"
	"github.com/deskforge/plugkit/internal/pluginsvc"
	"github.com/deskforge/plugkit/internal/realtime"
	"github.com/deskforge/plugkit/internal/runtime"
	"github.com/deskforge/plugkit/internal/server"
	"github.com/deskforge/plugkit/internal/store"
	"github.com/deskforge/plugkit/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("PlugKit runtime starting", zap.String("version", version.Short()))

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open plugin data store.
	dbPath := v.GetString("database.path")
	db, err := store.New(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		logger.Fatal("database version check failed", zap.Error(err))
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	// Plugin Service client with a JWT service token.
	secret := v.GetString("service.token_secret")
	if secret == "" {
		// Generate an ephemeral secret -- only workable when the Plugin
		// Service shares it out of band or skips verification in dev.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			logger.Fatal("failed to generate service token secret", zap.Error(err))
		}
		secret = hex.EncodeToString(b)
		logger.Warn("using auto-generated service token secret (set service.token_secret in config)",
			zap.String("component", "pluginsvc"),
		)
	}
	tokenTTL := v.GetDuration("service.token_ttl")
	if tokenTTL == 0 {
		tokenTTL = 15 * time.Minute
	}
	tokens := pluginsvc.NewTokenSource([]byte(secret), tokenTTL)
	svc := pluginsvc.NewClient(
		v.GetString("service.base_url"),
		tokens,
		v.GetDuration("service.timeout"),
		logger.Named("pluginsvc"),
	)

	// Real-time event stream.
	events := realtime.NewClient(v.GetString("realtime.url"), logger.Named("realtime"))
	go func() {
		if err := events.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event stream terminated", zap.Error(err))
		}
	}()

	rt, err := runtime.New(runtime.Options{
		Service:    svc,
		Events:     events,
		Store:      db,
		Activity:   db,
		Config:     config.New(v),
		FetchRate:  rate.Limit(v.GetFloat64("external.rate")),
		FetchBurst: v.GetInt("external.burst"),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to assemble runtime", zap.Error(err))
	}

	// A failed initial load is not fatal: the status surface reports it
	// and the periodic refresh keeps retrying.
	if err := rt.Init(ctx); err != nil {
		logger.Error("initial plugin load failed", zap.Error(err))
	}
	defer rt.Dispose()

	refreshEvery := v.GetDuration("service.refresh_interval")
	if refreshEvery > 0 {
		go func() {
			ticker := time.NewTicker(refreshEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := rt.Refresh(ctx); err != nil {
						logger.Warn("plugin refresh failed", zap.Error(err))
					}
				}
			}
		}()
	}

	// Status surface.
	addr := v.GetString("status.addr")
	srv := server.New(addr, rt.Registry(), logger.Named("server"))
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("status server error", zap.Error(err))
		}
	}()

	logger.Info("PlugKit runtime ready", zap.String("status_addr", addr))

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	rt.Dispose()
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown error", zap.Error(err))
	}

	logger.Info("PlugKit runtime stopped")
}
