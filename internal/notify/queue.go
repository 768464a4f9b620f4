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

// Package notify delivers best-effort domain events: real-time broadcasts,
// automation triggers, and outbound integration webhooks. Side effects run
// on a bounded background queue rather than unbounded goroutines, so the
// process can apply backpressure and drain cleanly on shutdown. Failures
// go to a dead-letter log, never to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// task is one queued side effect.
type task struct {
	name string
	run  func(ctx context.Context) error
}

// Queue is a bounded background task queue.
type Queue struct {
	tasks   chan task
	wg      sync.WaitGroup
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewQueue creates and starts a queue with the given buffer size and
// worker count.
func NewQueue(size, workers int, taskTimeout time.Duration) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Second
	}

	q := &Queue{
		tasks:   make(chan task, size),
		timeout: taskTimeout,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := t.run(ctx); err != nil {
			// Dead-letter log: side effects are never retried and
			// never surface to the ingestion path.
			slog.Error("side effect dropped", "task", t.name, "error", err)
		}
		cancel()
	}
}

// Enqueue submits a side effect. A full queue drops the task: shedding
// best-effort work is preferable to blocking ingestion.
func (q *Queue) Enqueue(name string, run func(ctx context.Context) error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		slog.Warn("side effect after shutdown dropped", "task", name)
		return
	}
	select {
	case q.tasks <- task{name: name, run: run}:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		slog.Warn("side effect queue full, dropping", "task", name)
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
}
