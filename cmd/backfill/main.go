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

// Conversational CRM — Delivery Replay Command
//
// Standalone CLI tool that replays recorded webhook deliveries through
// the ingestion pipeline. Intended for recovering from partial outages
// and for re-projecting after schema migrations.
//
// Usage:
//
//	go run ./cmd/backfill/ --since 24h [--inbox <inbox-id>]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/convocrm/ingestion/internal/backfill"
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
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	sinceFlag := flag.String("since", "24h", "Lookback duration (e.g. 24h, 168h for 1 week)")
	inboxFlag := flag.String("inbox", "", "Restrict the replay to one inbox id (optional)")
	quietFlag := flag.Bool("quiet", false, "Suppress notification fan-out during the replay")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Wire the pipeline, sans webhook server ---
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

	dedupLedger, err := ledger.New(ctx, pgPool, rdb, false)
	if err != nil {
		slog.Error("failed to initialise webhook ledger", "error", err)
		os.Exit(1)
	}

	var fanout *notify.Fanout
	var notifier identity.Notifier
	var events pipeline.EventSink
	if !*quietFlag {
		queue := notify.NewQueue(cfg.NotifyQueueSize, cfg.NotifyWorkers, cfg.NotifyTaskTimeout)
		webhookSink, err := notify.NewHTTPWebhookSink(ctx, pgPool, false)
		if err != nil {
			slog.Error("failed to initialise webhook sink", "error", err)
			os.Exit(1)
		}
		fanout = notify.NewFanout(
			queue,
			notify.NewRedisBroadcaster(rdb),
			notify.NewRedisAutomationSink(rdb, cfg.AutomationQueue),
			webhookSink,
		)
		notifier = fanout
		events = fanout
	} else {
		notifier = notify.Discard{}
		events = notify.Discard{}
	}

	resolver := identity.NewResolver(identity.ResolverConfig{
		Pool:     pgPool,
		Boards:   lookups,
		Caps:     caps,
		Notifier: notifier,
		Timeout:  cfg.ResolverTimeout,
	})

	messages, err := messagestore.NewStore(ctx, pgPool, caps, false)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	pipe := pipeline.New(pipeline.Config{
		Ledger:   dedupLedger,
		Inboxes:  lookups,
		Resolver: resolver,
		Messages: messages,
		Toucher:  projection.NewToucher(pgPool, caps, invalidation.NewEngine(pgPool, cacheStore)),
		Events:   events,
	})

	// --- Run Replay ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Entries: dedupLedger,
		Pipe:    pipe,
	})

	result, err := runner.Run(ctx, backfill.ReplayRequest{
		Since:   sinceDuration,
		InboxID: *inboxFlag,
	})
	if fanout != nil {
		fanout.Stop()
	}
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("replay complete",
		"total_replayed", result.TotalReplayed,
		"total_skipped", result.TotalSkipped,
		"total_errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)

	for _, ir := range result.InboxResults {
		slog.Info("inbox result",
			"inbox", ir.InboxID,
			"replayed", ir.Replayed,
			"skipped", ir.Skipped,
			"errors", ir.Errors,
		)
	}
}
