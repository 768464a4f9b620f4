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

// Package backfill replays recorded webhook deliveries through the
// ingestion pipeline. Every stage downstream of the dedup ledger is
// idempotent, so replaying is safe after a partial outage or a schema
// migration that unlocked previously-dropped columns.
package backfill

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/convocrm/ingestion/internal/ledger"
	"github.com/convocrm/ingestion/internal/models"
	"github.com/convocrm/ingestion/internal/pipeline"
)

// EntrySource lists recorded deliveries. Implemented by ledger.Ledger.
type EntrySource interface {
	ListSince(ctx context.Context, cutoff time.Time, inboxID string) ([]ledger.Entry, error)
}

// Reprocessor replays one event with the dedup gate disabled.
type Reprocessor interface {
	Reprocess(ctx context.Context, event models.InboundMessageEvent) error
}

// ReplayRequest defines the scope of a replay run.
type ReplayRequest struct {
	Since   time.Duration // lookback window (e.g. 24h)
	InboxID string        // empty = all inboxes
}

// ReplayResult summarises a completed replay run.
type ReplayResult struct {
	InboxResults  []InboxResult
	TotalReplayed int
	TotalSkipped  int
	TotalErrors   int
	Elapsed       time.Duration
}

// InboxResult tracks per-inbox replay progress.
type InboxResult struct {
	InboxID  string
	Replayed int
	Skipped  int
	Errors   int
}

// Runner replays ledger entries through the pipeline.
type Runner struct {
	entries EntrySource
	pipe    Reprocessor
	delay   time.Duration // delay between entries to avoid hammering Postgres
}

// RunnerConfig holds dependencies for the replay runner.
type RunnerConfig struct {
	Entries EntrySource
	Pipe    Reprocessor
	Delay   time.Duration
}

// NewRunner creates a replay runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.Delay
	if delay == 0 {
		delay = 10 * time.Millisecond
	}
	return &Runner{
		entries: cfg.Entries,
		pipe:    cfg.Pipe,
		delay:   delay,
	}
}

// Run replays all deliveries in the request's window, oldest first so
// last-message projections converge on the true latest message.
func (r *Runner) Run(ctx context.Context, req ReplayRequest) (*ReplayResult, error) {
	start := time.Now()
	cutoff := time.Now().UTC().Add(-req.Since)

	slog.Info("starting delivery replay",
		"cutoff", cutoff.Format(time.RFC3339),
		"inbox", req.InboxID,
	)

	entries, err := r.entries.ListSince(ctx, cutoff, req.InboxID)
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{}
	perInbox := make(map[string]*InboxResult)

	for i, entry := range entries {
		if i > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.delay):
			}
		}

		ir := perInbox[entry.InboxID]
		if ir == nil {
			ir = &InboxResult{InboxID: entry.InboxID}
			perInbox[entry.InboxID] = ir
		}

		outcome := r.replayEntry(ctx, entry)
		switch outcome {
		case replayed:
			ir.Replayed++
			result.TotalReplayed++
		case skipped:
			ir.Skipped++
			result.TotalSkipped++
		case failed:
			ir.Errors++
			result.TotalErrors++
		}
	}

	// Flatten the per-inbox map in first-seen order.
	seen := make(map[string]bool)
	for _, entry := range entries {
		if !seen[entry.InboxID] {
			seen[entry.InboxID] = true
			result.InboxResults = append(result.InboxResults, *perInbox[entry.InboxID])
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("delivery replay complete",
		"total_replayed", result.TotalReplayed,
		"total_skipped", result.TotalSkipped,
		"total_errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

type outcome int

const (
	replayed outcome = iota
	skipped
	failed
)

func (r *Runner) replayEntry(ctx context.Context, entry ledger.Entry) outcome {
	if len(entry.RawPayload) == 0 {
		// Deliveries recorded before payload capture was added.
		return skipped
	}

	var event models.InboundMessageEvent
	if err := json.Unmarshal(entry.RawPayload, &event); err != nil {
		slog.Warn("replay: undecodable payload",
			"inbox", entry.InboxID,
			"event_uid", entry.EventUID,
			"error", err,
		)
		return skipped
	}

	if err := r.pipe.Reprocess(ctx, event); err != nil {
		if !pipeline.IsRetryable(err) {
			// Permanently rejected then, permanently rejected now.
			return skipped
		}
		slog.Warn("replay: event failed",
			"inbox", entry.InboxID,
			"event_uid", entry.EventUID,
			"error", err,
		)
		return failed
	}
	return replayed
}
