// Package harvest is the bulk acquisition pipeline for arbitration case
// documents: it downloads filings from registry sites, verifies each file
// is a usable PDF, and extracts per-page dimension metadata.
//
// The pipeline is resumable: every outcome lands in a SQLite ledger before
// the run moves on, so an interrupted run picks up where it stopped and a
// finished run re-executed over the same task file performs no network
// calls at all.
//
// Usage:
//
//	h, err := harvest.New(cfg, logger)
//	defer h.Close()
//	h.LoadTasks(ctx, "cases.json", 0)
//	report, err := h.Run(ctx, harvest.RunOptions{})
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/caseharvest/guard"
	"github.com/hazyhaar/caseharvest/harvest/internal/fetch"
	"github.com/hazyhaar/caseharvest/harvest/internal/ledger"
	"github.com/hazyhaar/caseharvest/harvest/internal/pagemeta"
	"github.com/hazyhaar/caseharvest/harvest/internal/queue"
	"github.com/hazyhaar/caseharvest/harvest/internal/verify"
)

// Harvester is the pipeline orchestrator.
type Harvester struct {
	store     *ledger.Store
	queue     *queue.Q
	fetcher   *fetch.Fetcher
	gate      *fetch.HostGate
	verifier  *verify.Verifier
	extractor *pagemeta.Extractor
	logger    *slog.Logger
	config    *Config
}

// RunOptions selects what a run does.
type RunOptions struct {
	// SkipFetch runs only the metadata stage over already-downloaded files.
	SkipFetch bool
	// SkipMetadata runs only the fetch stage.
	SkipMetadata bool
	// Incremental skips the self-heal pass over recorded successes; only
	// pending and retryable tasks are processed.
	Incremental bool
	// Budget bounds the run's wall-clock time. Zero means no bound. A run
	// that hits the budget stops cleanly; completed work is already durable.
	Budget time.Duration
}

// RunReport summarises a finished (or budget-stopped) run.
type RunReport struct {
	Downloaded   int            `json:"downloaded"`
	Healed       int            `json:"healed"`
	MetaComputed int            `json:"meta_computed"`
	MetaFailed   int            `json:"meta_failed"`
	MetaSkipped  int            `json:"meta_skipped"`
	Counts       map[Status]int `json:"counts"`
	Attention    []string       `json:"attention,omitempty"`
	Elapsed      time.Duration  `json:"elapsed"`
}

// New creates a Harvester. Opens the ledger database and initialises the
// fetch queue.
func New(cfg *Config, logger *slog.Logger) (*Harvester, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	s, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	q := queue.New(s.DB, queue.Options{
		Visibility:   cfg.Fetch.Visibility,
		PollInterval: cfg.Fetch.PollInterval,
		Logger:       logger,
	})
	if err := q.EnsureTable(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	fc := fetch.Config{
		Timeout:   cfg.Fetch.Timeout,
		MaxBytes:  cfg.Fetch.MaxBytes,
		UserAgent: cfg.Fetch.UserAgent,
	}
	if cfg.Fetch.AllowPrivateHosts {
		fc.URLValidator = func(string) error { return nil }
	}

	return &Harvester{
		store:     s,
		queue:     q,
		fetcher:   fetch.New(fc),
		gate:      fetch.NewHostGate(cfg.Fetch.HostInterval, cfg.Fetch.HostJitter),
		verifier:  verify.New(verify.Config{MinSize: cfg.Verify.MinSize}),
		extractor: pagemeta.New(),
		logger:    logger,
		config:    cfg,
	}, nil
}

// Close closes the ledger database.
func (h *Harvester) Close() error {
	return h.store.Close()
}

// Store returns the underlying ledger for direct access (testing, admin).
func (h *Harvester) Store() *ledger.Store {
	return h.store
}

// LoadTasks reads a task file and registers every task in the ledger.
// Registration is idempotent: existing entries keep their recorded status.
// A positive limit registers only the first limit tasks (smoke runs).
func (h *Harvester) LoadTasks(ctx context.Context, path string, limit int) (int, error) {
	cases, err := LoadTaskFile(path)
	if err != nil {
		return 0, err
	}
	tasks, err := Tasks(cases)
	if err != nil {
		return 0, err
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	for _, t := range tasks {
		targetPath := ""
		if t.Filename != "" {
			targetPath, err = guard.SafePath(h.config.DocsDir, t.Filename)
			if err != nil {
				return 0, fmt.Errorf("harvest: task %s: %w", t.Key, err)
			}
		}
		if err := h.store.RegisterTask(ctx, &ledger.Entry{
			TaskKey:    t.Key,
			CaseID:     t.CaseID,
			CaseYear:   t.CaseYear,
			DocName:    t.DocName,
			URL:        t.URL,
			TargetPath: targetPath,
		}); err != nil {
			return 0, err
		}
	}
	h.logger.Info("harvest: tasks registered", "count", len(tasks), "file", path)
	return len(tasks), nil
}

// ForceRetry resets the given tasks to pending with a fresh attempt budget,
// regardless of their current status. Stored page metadata for those tasks
// is discarded.
func (h *Harvester) ForceRetry(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := h.store.ResetToPending(ctx, key, true); err != nil {
			return err
		}
		h.logger.Info("harvest: forced retry", "task", key)
	}
	return nil
}

// Stats returns the per-status task counts.
func (h *Harvester) Stats(ctx context.Context) (map[Status]int, error) {
	return h.store.CountByStatus(ctx)
}

// Run executes the pipeline: self-heal, fetch, then metadata extraction.
// Safe to call repeatedly; completed work is skipped via the ledger.
func (h *Harvester) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	start := time.Now()
	if opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Budget)
		defer cancel()
	}

	report := &RunReport{}

	if !opts.Incremental {
		healed, err := h.selfHeal(ctx)
		if err != nil {
			return report, err
		}
		report.Healed = healed
	}

	if !opts.SkipFetch {
		n, err := h.runFetch(ctx, report)
		report.Downloaded = n
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return report, err
		}
	}

	if !opts.SkipMetadata && ctx.Err() == nil {
		if err := h.runMetadata(ctx, report); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return report, err
		}
	}

	counts, err := h.store.CountByStatus(ctx)
	if err == nil {
		report.Counts = counts
	}
	if perm, err := h.store.ListByStatus(ctx, ledger.StatusFailedPermanent); err == nil {
		for _, e := range perm {
			report.Attention = append(report.Attention, e.TaskKey)
		}
	}
	report.Elapsed = time.Since(start)
	h.logger.Info("harvest: run finished",
		"downloaded", report.Downloaded, "healed", report.Healed,
		"meta_computed", report.MetaComputed, "meta_failed", report.MetaFailed,
		"elapsed", report.Elapsed)
	return report, ctx.Err()
}

// selfHeal re-checks recorded successes against the filesystem. Entries
// whose file vanished or changed size/mtime go back to pending and get
// re-downloaded this run.
func (h *Harvester) selfHeal(ctx context.Context) (int, error) {
	entries, err := h.store.ListByStatus(ctx, ledger.StatusSuccess)
	if err != nil {
		return 0, err
	}
	healed := 0
	for _, e := range entries {
		if verify.Matches(e.TargetPath, e.FileSize, e.FileMtime) {
			continue
		}
		if err := h.store.ResetToPending(ctx, e.TaskKey, false); err != nil {
			return healed, err
		}
		h.logger.Warn("harvest: recorded file missing or changed, re-queued",
			"task", e.TaskKey, "path", e.TargetPath)
		healed++
	}
	return healed, nil
}

// runFetch enqueues every fetchable task and drains the queue with the
// configured worker pool. Returns the number of verified downloads.
func (h *Harvester) runFetch(ctx context.Context, report *RunReport) (int, error) {
	entries, err := h.store.Fetchable(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := h.queue.Publish(ctx, e.TaskKey, nil); err != nil {
			return 0, err
		}
	}
	h.logger.Info("harvest: fetch stage starting",
		"tasks", len(entries), "workers", h.config.Fetch.Workers)

	var downloaded int
	var mu sync.Mutex

	// A ledger write failure is not a per-task problem; abort the stage.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var fatalOnce sync.Once
	var fatalErr error
	fatal := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	drainErr := h.queue.Drain(ctx, h.config.Fetch.Workers, func(ctx context.Context, job *queue.Job) queue.Outcome {
		ok, out := h.handleFetchJob(ctx, job, fatal)
		if ok {
			mu.Lock()
			downloaded++
			mu.Unlock()
		}
		return out
	})
	if fatalErr != nil {
		return downloaded, fatalErr
	}
	return downloaded, drainErr
}

// handleFetchJob processes one claimed task: politeness wait, download,
// verify, record. Returns whether a new file was stored, plus the queue
// outcome.
func (h *Harvester) handleFetchJob(ctx context.Context, job *queue.Job, fatal func(error)) (bool, queue.Outcome) {
	if ctx.Err() != nil {
		return false, queue.Outcome{Requeue: true}
	}
	// Outcomes of work already done must reach the ledger even if the run
	// is cancelled while this job is in flight.
	rctx := context.WithoutCancel(ctx)

	e, err := h.store.Get(rctx, job.ID)
	if err != nil {
		fatal(fmt.Errorf("load task %s: %w", job.ID, err))
		return false, queue.Outcome{}
	}

	// The queue may redeliver a task another path already settled
	// (self-heal re-publish, crash recovery). The ledger decides.
	if e.Status != ledger.StatusPending && e.Status != ledger.StatusFailedRetryable {
		return false, queue.Outcome{}
	}

	if err := h.gate.Wait(ctx, fetch.HostOf(e.URL)); err != nil {
		// Shutdown while waiting for a slot: requeue untouched.
		return false, queue.Outcome{Requeue: true}
	}

	att := h.fetcher.Download(ctx, e.URL, e.TargetPath)
	rec := &ledger.Attempt{
		StatusCode: att.StatusCode,
		Bytes:      att.Bytes,
		DurationMS: att.Duration.Milliseconds(),
	}

	if att.Err == nil {
		res, verr := h.verifier.Check(e.TargetPath)
		if verr != nil {
			// The transfer completed but the bytes are not a usable PDF.
			// The file is already deleted; retry like a transport error.
			att.Err = verr
			att.Retryable = true
		} else {
			if err := h.store.RecordSuccess(rctx, e.TaskKey, rec, res.Size, res.Mtime, att.Checksum); err != nil {
				fatal(fmt.Errorf("record success %s: %w", e.TaskKey, err))
				return false, queue.Outcome{}
			}
			h.logger.Info("harvest: downloaded",
				"task", e.TaskKey, "bytes", res.Size, "pages", res.PageCount)
			return true, queue.Outcome{}
		}
	}

	if ctx.Err() != nil && att.Retryable {
		// Cancelled mid-transfer: not a real attempt, redeliver as-is.
		return false, queue.Outcome{Requeue: true}
	}

	rec.Error = att.Err.Error()
	status, attempts, err := h.store.RecordFailure(rctx, e.TaskKey, rec, att.Retryable, h.config.Fetch.MaxAttempts)
	if err != nil {
		fatal(fmt.Errorf("record failure %s: %w", e.TaskKey, err))
		return false, queue.Outcome{}
	}

	if status == ledger.StatusFailedRetryable {
		delay := fetch.Backoff(attempts, h.config.Fetch.BackoffBase, h.config.Fetch.BackoffMax)
		h.logger.Warn("harvest: fetch failed, will retry",
			"task", e.TaskKey, "attempt", attempts, "delay", delay, "error", rec.Error)
		return false, queue.Outcome{Requeue: true, Delay: delay}
	}

	h.logger.Error("harvest: fetch failed permanently",
		"task", e.TaskKey, "attempts", attempts, "error", rec.Error)
	return false, queue.Outcome{}
}

// runMetadata extracts page dimensions for every successful download whose
// stored summary is missing or stale. Extraction failures are recorded per
// task and never affect fetch status.
func (h *Harvester) runMetadata(ctx context.Context, report *RunReport) error {
	entries, err := h.store.ListByStatus(ctx, ledger.StatusSuccess)
	if err != nil {
		return err
	}
	h.logger.Info("harvest: metadata stage starting",
		"documents", len(entries), "workers", h.config.Metadata.Workers)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.Metadata.Workers)

	for _, e := range entries {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sum, err := h.store.GetSummary(ctx, e.TaskKey)
			if err == nil && sum.MetaStatus == ledger.MetaOK &&
				sum.SourceSize == e.FileSize && sum.SourceMtime.Equal(e.FileMtime) {
				mu.Lock()
				report.MetaSkipped++
				mu.Unlock()
				return nil
			}
			if err != nil && !errors.Is(err, ledger.ErrNotFound) {
				return err
			}

			computed, err := h.extractDocument(ctx, e)
			if err != nil {
				return err
			}
			mu.Lock()
			if computed {
				report.MetaComputed++
			} else {
				report.MetaFailed++
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// extractDocument runs page extraction for one entry and stores the result.
// Returns false when the document was unreadable (recorded as a metadata
// failure).
func (h *Harvester) extractDocument(ctx context.Context, e *ledger.Entry) (bool, error) {
	pages, sum, xerr := h.extractor.ExtractFile(e.TargetPath)
	if xerr != nil {
		h.logger.Warn("harvest: page metadata failed",
			"task", e.TaskKey, "error", xerr)
		err := h.store.ReplacePageMetadata(ctx, e.TaskKey, nil, &ledger.Summary{
			TaskKey:     e.TaskKey,
			SourceSize:  e.FileSize,
			SourceMtime: e.FileMtime,
			MetaStatus:  ledger.MetaFailed,
			MetaError:   xerr.Error(),
		})
		return false, err
	}

	rows := make([]*ledger.Page, len(pages))
	for i, p := range pages {
		rows[i] = &ledger.Page{
			TaskKey:     e.TaskKey,
			PageIndex:   p.Index,
			Width:       p.Width,
			Height:      p.Height,
			Orientation: ledger.Orientation(p.Orientation),
		}
	}
	err := h.store.ReplacePageMetadata(ctx, e.TaskKey, rows, &ledger.Summary{
		TaskKey:       e.TaskKey,
		RawPages:      sum.RawPages,
		AdjustedPages: sum.AdjustedPages,
		SourceSize:    e.FileSize,
		SourceMtime:   e.FileMtime,
		MetaStatus:    ledger.MetaOK,
	})
	if err != nil {
		return false, err
	}
	h.logger.Debug("harvest: page metadata stored",
		"task", e.TaskKey, "raw", sum.RawPages, "adjusted", sum.AdjustedPages)
	return true, nil
}
