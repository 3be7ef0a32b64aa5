// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/repository"
)

// Runner drains the durable event inbox with a pool of workers. Claims
// use row locks, so multiple runner processes can share one inbox.
type Runner struct {
	source    EventSource
	processor *Processor
	cfg       Config
	logger    *slog.Logger
}

func NewRunner(source EventSource, proc *Processor, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 10
	}
	if cfg.MaxEventAttempts <= 0 {
		cfg.MaxEventAttempts = 5
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 5 * time.Minute
	}

	return &Runner{
		source:    source,
		processor: proc,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("event runner starting",
		"workers", r.cfg.Workers,
		"poll_interval", r.cfg.PollInterval,
		"batch_size", r.cfg.ClaimBatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.workLoop(ctx, worker)
		}(i)
	}
	wg.Wait()

	r.logger.Info("event runner stopped")
}

func (r *Runner) workLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed := r.drainOnce(ctx, worker)
		if ctx.Err() != nil {
			return
		}
		if processed > 0 {
			// More work is likely queued, skip the poll pause.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) drainOnce(ctx context.Context, worker int) int {
	events, err := r.source.ClaimBatch(ctx, r.cfg.ClaimBatchSize, r.cfg.ReclaimAfter)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("claim batch failed", "worker", worker, "error", err)
		}
		return 0
	}

	for _, ev := range events {
		r.processOne(ctx, ev)
	}
	return len(events)
}

func (r *Runner) processOne(ctx context.Context, ev repository.InboxEvent) {
	lifecycle, err := domain.DecodeLifecycleEvent(ev.Payload)
	if err != nil {
		// Malformed payloads never become valid, dead-letter them now.
		r.logger.Error("undecodable lifecycle event", "event_id", ev.ID, "error", err)
		if failErr := r.source.Fail(ctx, ev.ID, r.cfg.MaxEventAttempts, r.cfg.MaxEventAttempts, err); failErr != nil {
			r.logger.Error("dead-letter failed", "event_id", ev.ID, "error", failErr)
		}
		return
	}

	if err := r.processor.Handle(ctx, lifecycle); err != nil {
		r.logger.Error("handle lifecycle event failed",
			"event_id", ev.ID,
			"run_id", ev.RunID,
			"kind", ev.Kind,
			"attempts", ev.Attempts,
			"error", err)
		if failErr := r.source.Fail(ctx, ev.ID, ev.Attempts, r.cfg.MaxEventAttempts, err); failErr != nil {
			r.logger.Error("record event failure failed", "event_id", ev.ID, "error", failErr)
		}
		return
	}

	if err := r.source.Ack(ctx, ev.ID); err != nil {
		r.logger.Error("ack failed", "event_id", ev.ID, "error", err)
	}
}
