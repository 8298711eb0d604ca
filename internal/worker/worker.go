// Package worker runs background jobs: outbox delivery and the expired
// session sweep. On postgres both go through River; on sqlite the sweep
// runs on a ticker and outbox delivery stays in-process.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d9705996/fleetd/internal/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// Sweeper deletes expired rows and reports how many went.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SweepArgs is the periodic expired-session cleanup job.
type SweepArgs struct{}

// Kind returns the unique job type identifier for sweep jobs.
func (SweepArgs) Kind() string { return "session_sweep" }

type sweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sessions Sweeper
	log      *slog.Logger
}

func (w *sweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	return sweep(ctx, w.sessions, w.log)
}

func sweep(ctx context.Context, s Sweeper, log *slog.Logger) error {
	n, err := s.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		log.Info("expired sessions removed", "count", n)
	}
	return nil
}

// Queue is the interface exposed by both the River client and localQueue.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures New.
type Options struct {
	Driver        string
	Concurrency   int
	SweepInterval time.Duration
	Deliverer     outbox.Deliverer
	Sessions      Sweeper
}

// Client wraps river.Client and exposes a Start/Stop lifecycle.
type Client struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// River exposes the underlying client for job insertion.
func (c *Client) River() *river.Client[pgx.Tx] { return c.client }

// localQueue is used when River is unavailable (DB_DRIVER=sqlite).
type localQueue struct {
	sessions Sweeper
	interval time.Duration
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (q *localQueue) Start(ctx context.Context) error {
	q.log.Info("river disabled on sqlite, running session sweep in-process", "interval", q.interval)
	ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTicker(q.interval)
		defer t.Stop()
		for {
			if err := sweep(ctx, q.sessions, q.log); err != nil && ctx.Err() == nil {
				q.log.Warn("session sweep failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return nil
}

func (q *localQueue) Stop(_ context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	return nil
}

// New creates a queue implementation appropriate for opts.Driver.
//   - "postgres": a River client backed by pool, running outbox delivery
//     and a periodic session sweep.
//   - anything else: an in-process ticker running the session sweep.
//
// pool may be nil when the driver is not postgres.
func New(_ context.Context, pool *pgxpool.Pool, opts Options, log *slog.Logger) (Queue, error) {
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	if opts.Driver != "postgres" {
		return &localQueue{sessions: opts.Sessions, interval: interval, log: log}, nil
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &sweepWorker{sessions: opts.Sessions, log: log})
	river.AddWorker(workers, outbox.NewDeliveryWorker(opts.Deliverer, log))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.Concurrency},
		},
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(interval),
				func() (river.JobArgs, *river.InsertOpts) { return SweepArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Workers: workers,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Client{client: client, log: log}, nil
}

// MigrateRiver runs River's built-in schema migrations against the given pool.
// Only call this when DB_DRIVER=postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}
