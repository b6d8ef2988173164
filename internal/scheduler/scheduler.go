// Package scheduler runs the periodic background tasks: the inbound
// and outbound queue executors, the unreachable-actor probe, and the
// retention cleanups.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/deliverer"
	"github.com/wrenfed/wren/internal/fetcher"
	"github.com/wrenfed/wren/internal/inbox"
	"github.com/wrenfed/wren/internal/media"
)

// Task intervals.
const (
	incomingInterval  = 5 * time.Second
	outgoingInterval  = 5 * time.Second
	fetcherInterval   = time.Minute
	retentionInterval = time.Hour
)

type task struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

// Scheduler drives all periodic work. Each task runs on its own
// goroutine, so a slow task never delays the others, and runs of the
// same task never overlap.
type Scheduler struct {
	cfg   *config.Config
	tasks []task
}

// New assembles the task list.
func New(cfg *config.Config, store *db.Store, f *fetcher.Fetcher, d *deliverer.Deliverer, r *inbox.Receiver, m *media.Storage) *Scheduler {
	s := &Scheduler{cfg: cfg}

	if cfg.Federation.Enabled {
		s.tasks = append(s.tasks,
			task{"outgoing-executor", outgoingInterval, d.ProcessQueue},
			task{"incoming-executor", incomingInterval, func(ctx context.Context) error {
				return processIncoming(ctx, store, r)
			}},
			task{"fetcher-retry", fetcherInterval, func(ctx context.Context) error {
				return f.RetryUnreachable(ctx, 25)
			}},
		)
	}

	if cfg.Retention.ExtraneousPosts > 0 {
		age := time.Duration(cfg.Retention.ExtraneousPosts) * 24 * time.Hour
		s.tasks = append(s.tasks, task{"delete-extraneous-posts", retentionInterval, func(ctx context.Context) error {
			queue, n, err := store.DeleteExtraneousPosts(ctx, age)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("deleted extraneous posts", "count", n)
				m.CleanupQueue(queue)
			}
			return nil
		}})
	}
	if cfg.Retention.EmptyProfiles > 0 {
		age := time.Duration(cfg.Retention.EmptyProfiles) * 24 * time.Hour
		s.tasks = append(s.tasks, task{"delete-empty-profiles", retentionInterval, func(ctx context.Context) error {
			n, err := store.DeleteEmptyProfiles(ctx, age)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("deleted empty profiles", "count", n)
			}
			return nil
		}})
	}

	return s
}

// Run blocks until the context is cancelled. Failing tasks back off
// exponentially instead of hammering a broken dependency.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t task) {
	slog.Info("starting background task", "task", t.name, "interval", t.interval)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = t.interval
	retry.MaxInterval = 10 * t.interval
	retry.MaxElapsedTime = 0

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := t.interval
		if err := t.run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = retry.NextBackOff()
			slog.Error("background task failed", "task", t.name, "error", err, "retry_in", wait)
		} else {
			retry.Reset()
		}
		timer.Reset(wait)
	}
}

// processIncoming drains the deferred inbound queue.
func processIncoming(ctx context.Context, store *db.Store, r *inbox.Receiver) error {
	jobs, err := store.DueIncoming(ctx, 64)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := r.ProcessDeferred(ctx, job); err != nil {
			slog.Warn("deferred activity processing failed", "job", job.ID, "error", err)
		}
	}
	return nil
}
