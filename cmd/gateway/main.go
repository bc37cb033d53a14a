package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/circleofcare/platform/internal/ai"
	"github.com/circleofcare/platform/internal/auth"
	"github.com/circleofcare/platform/internal/community"
	"github.com/circleofcare/platform/internal/config"
	"github.com/circleofcare/platform/internal/crisis"
	"github.com/circleofcare/platform/internal/gateway"
	"github.com/circleofcare/platform/internal/history"
	"github.com/circleofcare/platform/internal/hub"
	"github.com/circleofcare/platform/internal/messaging"
	"github.com/circleofcare/platform/internal/moderation"
	"github.com/circleofcare/platform/internal/ratelimit"
)

func main() {
	log.Println("Circle of Care gateway starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Redis: sessions and rate limiting ---
	sessions, err := auth.NewStore(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessions.Client())

	// --- NATS: event mirror for the review service and on-call tooling ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "circleofcare-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Postgres: communities and posts ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := community.Migrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	communities := community.NewStore(db)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := communities.SeedDefaults(seedCtx); err != nil {
		log.Printf("warning: could not seed default communities: %v", err)
	}
	seedCancel()

	// --- Moderation, history, room registry ---
	filter, err := moderation.NewFilter(cfg.ModerationRules())
	if err != nil {
		log.Fatalf("failed to build moderation filter: %v", err)
	}
	buffer := history.NewBuffer(cfg.HistoryWindow)

	rooms := hub.NewRegistry(hub.Options{
		Filter:    filter,
		History:   buffer,
		Sink:      gateway.NewNATSSink(natsClient),
		SendQueue: cfg.SendQueueSize,
	})

	// --- AI: companion chat and crisis guidance ---
	var completer ai.Completer
	if cfg.GeminiAPIKey != "" {
		client, err := ai.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Printf("warning: AI client unavailable, running with fallbacks only: %v", err)
		} else {
			completer = client
		}
	} else {
		log.Println("warning: GEMINI_API_KEY not set, running with fallbacks only")
	}

	aiTimeout := time.Duration(cfg.AITimeoutSec) * time.Second
	escalation := crisis.NewController(completer, crisis.NewClassifier(nil), aiTimeout)

	gw := gateway.New(cfg, gateway.Deps{
		Sessions:    sessions,
		Rooms:       rooms,
		Crisis:      escalation,
		Companion:   completer,
		Communities: communities,
		History:     buffer,
		Limiter:     limiter,
		Events:      natsClient,
	})
	if err := gw.Start(); err != nil {
		log.Fatalf("failed to start WebSocket transport: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Routes(),
	}

	log.Printf("Circle of Care gateway running")
	log.Printf("  listen_addr:  %s", cfg.ListenAddr)
	log.Printf("  worker_pool:  %d", cfg.WorkerPoolSize)
	log.Printf("  max_conns:    %d", cfg.MaxConnections)
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  ai_model:     %s (timeout %s)", cfg.GeminiModel, aiTimeout)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := gw.Shutdown(); err != nil {
		log.Printf("transport shutdown error: %v", err)
	}

	natsClient.Close()
	sessions.Close()
	db.Close()
	log.Println("gateway stopped")
}
