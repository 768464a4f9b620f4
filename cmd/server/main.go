// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Conversational CRM — Ingestion Service
//
// Entry point for the message ingestion and identity-resolution pipeline. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Ensures the pipeline's schema (unless disabled for managed migrations)
//  4. Wires dedup ledger → identity resolver → message store → projection →
//     cache invalidation → notification fan-out
//  5. Serves the provider webhook endpoint and a health check
//  6. Handles graceful shutdown on SIGTERM/SIGINT, draining the fan-out queue
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/convocrm/ingestion/internal/cache"
	"github.com/convocrm/ingestion/internal/config"
	"github.com/convocrm/ingestion/internal/identity"
	"github.com/convocrm/ingestion/internal/invalidation"
	"github.com/convocrm/ingestion/internal/ledger"
	"github.com/convocrm/ingestion/internal/messagestore"
	"github.com/convocrm/ingestion/internal/notify"
	"github.com/convocrm/ingestion/internal/pipeline"
	"github.com/convocrm/ingestion/internal/projection"
	"github.com/convocrm/ingestion/internal/schemacap"
	"github.com/convocrm/ingestion/internal/secrets"
	"github.com/convocrm/ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting CRM ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"webhook_port", cfg.WebhookPort,
		"max_in_flight", cfg.MaxInFlight,
		"ensure_schema", cfg.EnsureSchema,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Schema ---
	if cfg.EnsureSchema {
		if err := identity.EnsureSchema(ctx, pgPool); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
	}

	// --- Capability tracker and cache layer ---
	caps := schemacap.NewTracker()
	cacheStore := cache.NewStore(rdb)
	lookups := cache.NewLookups(pgPool, cacheStore, cache.TTLs{
		InboxByPhoneNumberID: cfg.TTLs.InboxByPhoneNumberID,
		InboxByPhone:         cfg.TTLs.InboxByPhone,
		BoardByCompany:       cfg.TTLs.BoardByCompany,
		CredentialsByInbox:   cfg.TTLs.CredentialsByInbox,
		ChatPhoneByChatID:    cfg.TTLs.ChatPhoneByChatID,
		Negative:             cfg.TTLs.Negative,
	})

	// --- Webhook Dedup Ledger ---
	dedupLedger, err := ledger.New(ctx, pgPool, rdb, cfg.EnsureSchema)
	if err != nil {
		slog.Error("failed to initialise webhook ledger", "error", err)
		os.Exit(1)
	}

	// --- Notification Fan-out ---
	queue := notify.NewQueue(cfg.NotifyQueueSize, cfg.NotifyWorkers, cfg.NotifyTaskTimeout)
	webhookSink, err := notify.NewHTTPWebhookSink(ctx, pgPool, cfg.EnsureSchema)
	if err != nil {
		slog.Error("failed to initialise webhook sink", "error", err)
		os.Exit(1)
	}
	fanout := notify.NewFanout(
		queue,
		notify.NewRedisBroadcaster(rdb),
		notify.NewRedisAutomationSink(rdb, cfg.AutomationQueue),
		webhookSink,
	)

	// --- Identity Resolution ---
	resolver := identity.NewResolver(identity.ResolverConfig{
		Pool:     pgPool,
		Boards:   lookups,
		Caps:     caps,
		Notifier: fanout,
		Timeout:  cfg.ResolverTimeout,
	})

	// --- Message Store ---
	messages, err := messagestore.NewStore(ctx, pgPool, caps, cfg.EnsureSchema)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	// --- Projection + Invalidation ---
	invalidator := invalidation.NewEngine(pgPool, cacheStore)
	toucher := projection.NewToucher(pgPool, caps, invalidator)

	// --- Pipeline ---
	pipe := pipeline.New(pipeline.Config{
		Ledger:   dedupLedger,
		Inboxes:  lookups,
		Resolver: resolver,
		Messages: messages,
		Toucher:  toucher,
		Events:   fanout,
	})

	// --- Credentials provider (consumed by the outbound sender) ---
	creds, err := secrets.NewProvider(pgPool, cacheStore, cfg.TTLs.CredentialsByInbox, cfg.CredentialsKey)
	if err != nil {
		slog.Error("failed to initialise credentials provider", "error", err)
		os.Exit(1)
	}

	// --- Webhook server ---
	handler := webhook.NewHandler(pipe, cfg.MaxInFlight)
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready")

	// --- Health + internal API server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	// Decrypted provider credentials for a given inbox, for the outbound
	// sender service. Cached per lookup dimension with its own TTL.
	mux.HandleFunc("/internal/credentials/", func(w http.ResponseWriter, r *http.Request) {
		inboxID := strings.TrimPrefix(r.URL.Path, "/internal/credentials/")
		if inboxID == "" {
			http.Error(w, "inbox id required", http.StatusBadRequest)
			return
		}
		c, err := creds.Credentials(r.Context(), inboxID)
		if err == secrets.ErrUnknownInbox {
			http.Error(w, "unknown inbox", http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("credentials lookup failed", "inbox", inboxID, "error", err)
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop the webhook server and background goroutines

		fanout.Stop() // drain queued side effects

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}
