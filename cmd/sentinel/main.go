package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sentinel/internal/assembler"
	"sentinel/internal/auth"
	"sentinel/internal/config"
	"sentinel/internal/confirm"
	"sentinel/internal/database"
	"sentinel/internal/detection"
	"sentinel/internal/engine"
	"sentinel/internal/logging"
	"sentinel/internal/middleware"
	"sentinel/internal/mqttclient"
	"sentinel/internal/pipeline"
	"sentinel/internal/sink"
	"sentinel/internal/storage"
	"sentinel/internal/stream"
	"sentinel/internal/telegram"
	"sentinel/internal/ws"
)

const retentionInterval = time.Hour

func main() {
	var (
		configF  = flag.String("config", "sentinel.yaml", "Path to the YAML configuration")
		envF     = flag.String("env", ".env", "Comma separated .env files loaded before the configuration")
		tokenF   = flag.String("issue-token", "", "Print a feed token for this subject and exit")
		camerasF = flag.String("cameras", "", "Comma separated cameras the issued token is limited to")
	)
	flag.Parse()

	cfg, err := config.Load(*configF, splitList(*envF)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))

	if *tokenF != "" {
		if err := issueToken(cfg, *tokenF, splitList(*camerasF)); err != nil {
			slog.Error("main: failed to issue token", "err", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("main: exiting", "err", err)
		os.Exit(1)
	}
	slog.Info("main: exited")
}

func issueToken(cfg *config.Config, subject string, cameras []string) error {
	if cfg.Feed.JWTSecret == "" {
		return errors.New("feed.jwt_secret is required to issue tokens")
	}
	token, expiresAt, err := auth.NewJWTManagerFrom(cfg.Feed).GenerateToken(subject, cameras...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	slog.Info("main: token issued", "subject", subject, "cameras", cameras, "expires_at", expiresAt)
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	// Detection
	registry, err := detection.NewRegistryFromConfig(cfg.Detection)
	if err != nil {
		return err
	}
	defer registry.Close()
	detector := detection.NewDetector(registry, detection.ConfigFrom(cfg.Detection, cfg.Defaults))
	pool := detection.NewPool(cfg.Detection.Workers)

	// Confirmation
	var confirmer pipeline.Confirmer
	if cfg.Confirmation.Enabled {
		gate, err := confirm.NewGate(confirm.NewHTTPClient(cfg.Confirmation.Endpoint, cfg.Confirmation.APIKey), confirm.ConfigFrom(cfg.Confirmation))
		if err != nil {
			return err
		}
		confirmer = gate
	}

	// Outputs
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return err
	}

	var (
		outputs  []sink.Output
		db       *database.Database
		bot      *telegram.Bot
		mqtt     *mqttclient.Client
		hub      = ws.NewHub()
		bus      = pipeline.NewEventBus()
		feedAuth middleware.Validator // Untyped nil leaves the feed open
	)
	if cfg.Database.Enabled {
		db, err = database.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		outputs = append(outputs, sink.NewDatabaseOutput(db))
	}
	if cfg.MQTT.Enabled {
		mqtt, err = mqttclient.NewClient(mqttclient.ConfigFrom(cfg.MQTT))
		if err != nil {
			slog.Warn("main: mqtt unavailable, continuing without it", "err", err)
		} else {
			defer mqtt.Close()
			outputs = append(outputs, sink.NewMQTTOutput(mqtt, cfg.MQTT.TopicPrefix, cfg.MQTT.ClearAfter))
		}
	}
	if cfg.Telegram.Enabled {
		bot = telegram.NewBot(telegram.ConfigFrom(cfg.Telegram))
		if err := bot.ValidateConfig(ctx); err != nil {
			slog.Warn("main: telegram bot validation failed", "err", err)
		}
		outputs = append(outputs, sink.NewTelegramOutput(bot))
	}
	if cfg.Feed.Enabled {
		outputs = append(outputs, sink.NewHubOutput(hub))
		unsubscribe := bus.Subscribe(pipeline.StateHandlerFunc(hub.BroadcastState))
		defer unsubscribe()
		if cfg.Feed.RequireAuth {
			feedAuth = auth.NewJWTManagerFrom(cfg.Feed)
		}
	}
	dispatcher := sink.NewDispatcher(store, outputs...)

	// Pipeline
	asm := assembler.New(confirmer, dispatcher, bus)
	manager := engine.NewManager(asm, pool, dispatcher)
	var preview *stream.Manager
	if cfg.Feed.Enabled && cfg.Feed.Preview {
		preview = stream.NewManager(slices.Sorted(maps.Keys(cfg.Effective()))...)
		manager.SetObserver(preview)
	}
	if err := manager.StartFromConfig(ctx, cfg, detector); err != nil {
		manager.Close()
		dispatcher.Close()
		return err
	}
	slog.Info("main: pipeline started", "cameras", len(cfg.Effective()), "workers", cfg.Detection.Workers,
		"backends", registry.Names(), "outputs", len(outputs), "confirmation", confirmer != nil)

	g, gctx := errgroup.WithContext(ctx)

	srv := newServer(cfg, serverDeps{
		manager:    manager,
		asm:        asm,
		pool:       pool,
		dispatcher: dispatcher,
		hub:        hub,
		preview:    preview,
		feedAuth:   feedAuth,
	})
	g.Go(func() error { return serveHTTP(gctx, srv) })

	if bot != nil {
		handler := telegram.NewCommandHandler(bot, statusSource{manager: manager, db: db})
		g.Go(func() error {
			if err := handler.StartPolling(gctx); err != nil {
				slog.Warn("main: telegram commands unavailable", "err", err)
			}
			return nil
		})
	}
	if db != nil && cfg.Database.Retention > 0 {
		g.Go(func() error {
			runRetention(gctx, db, cfg.Database.Retention)
			return nil
		})
	}

	<-gctx.Done()
	slog.Info("main: shutting down")

	err = g.Wait()

	// Lanes stop first so open events are finalized and delivered
	manager.Close()
	hub.Close()
	bus.Close()
	if cerr := dispatcher.Close(); cerr != nil {
		slog.Warn("main: failed to close outputs", "err", cerr)
	}
	return err
}

func runRetention(ctx context.Context, db *database.Database, retention time.Duration) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		n, err := db.DeleteEventsBefore(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			slog.Warn("main: event retention failed", "err", err)
		} else if n > 0 {
			slog.Info("main: expired events deleted", "count", n, "retention", retention)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
