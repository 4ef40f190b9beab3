// Command aircast is the main entry point for the Aircast streaming server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aircast-audio/aircast/internal/config"
	"github.com/aircast-audio/aircast/internal/engine"
	"github.com/aircast-audio/aircast/internal/enhance"
	"github.com/aircast-audio/aircast/internal/health"
	"github.com/aircast-audio/aircast/internal/notify"
	"github.com/aircast-audio/aircast/internal/observe"
	"github.com/aircast-audio/aircast/internal/presence"
	"github.com/aircast-audio/aircast/internal/server"
	"github.com/aircast-audio/aircast/internal/store"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aircast: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aircast: %v\n", err)
		}
		return 1
	}

	// Logger with a hot-swappable level so config reloads can adjust
	// verbosity without a restart.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("aircast starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "aircast",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	var checkers []health.Checker

	// ── Recording store ───────────────────────────────────────────────────────
	var recStore store.Store
	if cfg.Storage.PostgresDSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect recording store", "err", err)
			return 1
		}
		defer pg.Close()
		recStore = pg
		checkers = append(checkers, health.Ping("database", pg.Ping))
		slog.Info("recording store connected")
	} else {
		recStore = store.NewMemory()
	}

	// ── Event notifier ────────────────────────────────────────────────────────
	var notifier engine.EventNotifier
	if cfg.Events.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect event broker", "addr", cfg.Events.RedisAddr, "err", err)
			return 1
		}
		notifier = notify.NewRedisNotifier(rdb, cfg.Events.Channel, logger, metrics)
		checkers = append(checkers, health.Ping("events", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		slog.Info("event broker connected", "addr", cfg.Events.RedisAddr)
	} else {
		notifier = notify.NewLogNotifier(logger, metrics)
	}

	// ── Enhancer ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	enhance.RegisterAll(reg)

	enhancerCfg := cfg.Enhancer
	if enhancerCfg.Mode == "" {
		enhancerCfg.Mode = config.EnhancerOff
	}
	enhancer, err := reg.CreateEnhancer(enhancerCfg)
	if err != nil {
		slog.Error("failed to create enhancer", "mode", enhancerCfg.Mode, "err", err)
		return 1
	}

	// ── Presence tracker ──────────────────────────────────────────────────────
	tracker := presence.NewTracker(presence.WithTTL(cfg.Presence.TTL))
	go tracker.Run(ctx.Done(), tracker.TTL())

	// ── Engine ────────────────────────────────────────────────────────────────
	eng := engine.New(engine.Config{
		DefaultSampleRate:   cfg.Engine.DefaultSampleRate,
		ListenerQueueSize:   cfg.Engine.ListenerQueueSize,
		InboundQueueSize:    cfg.Engine.InboundQueueSize,
		EnhanceWindow:       cfg.Engine.EnhanceWindow,
		EnhanceOverlap:      cfg.Engine.EnhanceOverlap,
		EnhanceTimeout:      cfg.Engine.EnhanceTimeout,
		BreakerMaxFailures:  cfg.Engine.BreakerMaxFailures,
		BreakerResetTimeout: cfg.Engine.BreakerResetTimeout,
	},
		engine.WithEnhancer(enhancer),
		engine.WithSaver(recStore),
		engine.WithNotifier(notifier),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.BreakerChanged {
			eng.SetBreakerConfig(new.Engine.BreakerMaxFailures, new.Engine.BreakerResetTimeout)
		}
		if d.PresenceTTLChanged {
			tracker.SetTTL(new.Presence.TTL)
			slog.Info("presence ttl changed", "ttl", new.Presence.TTL)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(eng, recStore, tracker,
		server.WithHealth(health.New(checkers...)),
		server.WithMetrics(metrics),
		server.WithLogger(logger),
	)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr, "tls", cfg.Server.TLS != nil)
		if cfg.Server.TLS != nil {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	// Sweep every live session so recordings are finalized before exit.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// slogLevel maps a config log level to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
