// Package queue implements the fetch dispatch queue backed by the ledger
// database. Claimed tasks become invisible for a visibility window, so a
// worker that crashes mid-download loses its claim rather than the task.
// Retryable failures are redelivered after a backoff delay by pushing the
// visibility timestamp forward, which is also what spaces retries out
// without holding a worker hostage.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a claimed unit of fetch work. ID is the ledger task key.
type Job struct {
	ID         string
	Payload    []byte
	VisibleAt  time.Time
	CreatedAt  time.Time
	Deliveries int
}

// Outcome tells the dispatcher what to do with a claimed job.
type Outcome struct {
	// Requeue redelivers the job after Delay instead of removing it.
	Requeue bool
	Delay   time.Duration
}

// Handler processes a claimed job.
type Handler func(ctx context.Context, job *Job) Outcome

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Must exceed
	// the worst-case fetch duration. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts when the queue has
	// no visible jobs. Default: 250ms.
	PollInterval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle over an already-opened ledger database.
// Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the dispatch table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fetch_queue (
			task_key   TEXT PRIMARY KEY,
			payload    BLOB,
			visible_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_fetch_queue_visible ON fetch_queue (visible_at);
	`)
	return err
}

// Publish inserts an immediately visible job. Publishing an already-queued
// task key is a no-op, which keeps run-start enqueueing idempotent.
func (q *Q) Publish(ctx context.Context, key string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fetch_queue (task_key, payload, visible_at, created_at) VALUES (?,?,?,?)`,
		key, payload, now, now,
	)
	return err
}

// Claim atomically picks the oldest visible job and hides it for the
// visibility window. Returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE fetch_queue
		SET visible_at = ?, deliveries = deliveries + 1
		WHERE task_key = (
			SELECT task_key FROM fetch_queue
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING task_key, payload, visible_at, created_at, deliveries`,
		hideUntil, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Payload, &visAt, &creAt, &j.Deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack removes a finished job, whether it succeeded or failed terminally.
// The ledger holds the outcome; the queue only tracks what is still owed
// work.
func (q *Q) Ack(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM fetch_queue WHERE task_key = ?`, key)
	return err
}

// NackAfter schedules a job for redelivery after delay.
func (q *Q) NackAfter(ctx context.Context, key string, delay time.Duration) error {
	visibleAt := time.Now().Add(delay).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE fetch_queue SET visible_at = ? WHERE task_key = ?`, visibleAt, key)
	return err
}

// Len returns the number of queued jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fetch_queue`).Scan(&n)
	return n, err
}

// Purge deletes all queued jobs.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM fetch_queue`)
	return err
}

// Drain claims and processes jobs with at most maxConcurrency handlers in
// flight until the queue is empty or ctx is cancelled. Jobs awaiting a
// redelivery delay keep the drain alive. In-flight handlers are waited for
// before returning, so a cancelled run commits or requeues everything it
// started and leaves nothing half-recorded.
func (q *Q) Drain(ctx context.Context, maxConcurrency int, handler Handler) error {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log := q.opts.Logger

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var inFlight sync.Map

	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			log.Info("queue: drain cancelled, waiting for in-flight jobs")
			return err
		}

		job, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if job == nil {
			// Nothing visible. Finished only when nothing is queued and
			// nothing is being processed; otherwise invisible jobs (claimed
			// or backoff-delayed) may still reappear.
			n, err := q.Len(ctx)
			if err != nil {
				return err
			}
			busy := 0
			inFlight.Range(func(_, _ any) bool { busy++; return true })
			if n == 0 && busy == 0 {
				return nil
			}
			if err := sleepCtx(ctx, q.opts.PollInterval); err != nil {
				log.Info("queue: drain cancelled, waiting for in-flight jobs")
				return err
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Give the claim back immediately rather than waiting out the
			// visibility window.
			_ = q.NackAfter(context.Background(), job.ID, 0)
			log.Info("queue: drain cancelled, waiting for in-flight jobs")
			return ctx.Err()
		}

		wg.Add(1)
		inFlight.Store(job.ID, struct{}{})
		go func(j *Job) {
			defer wg.Done()
			defer inFlight.Delete(j.ID)
			defer func() { <-sem }()

			out := handler(ctx, j)
			// The handler's outcome must land even if ctx was cancelled
			// mid-job; use a fresh context for the queue write.
			if out.Requeue {
				if err := q.NackAfter(context.Background(), j.ID, out.Delay); err != nil {
					log.Warn("queue: nack failed", "task", j.ID, "error", err)
				}
			} else {
				if err := q.Ack(context.Background(), j.ID); err != nil {
					log.Warn("queue: ack failed", "task", j.ID, "error", err)
				}
			}
		}(job)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
