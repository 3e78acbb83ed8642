package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/caseharvest/dbopen"
)

// RegisterTask inserts a task as pending (or skipped_no_url when it has no
// source URL). Re-registering an existing key is a no-op apart from
// refreshing the URL and target path, so repeated runs over the same task
// file never disturb recorded outcomes.
func (s *Store) RegisterTask(ctx context.Context, e *Entry) error {
	status := StatusPending
	if e.URL == "" {
		status = StatusSkippedNoURL
	}
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (task_key, case_id, case_year, doc_name, url,
			target_path, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(task_key) DO UPDATE SET
			url = excluded.url,
			target_path = excluded.target_path,
			updated_at = excluded.updated_at`,
		e.TaskKey, e.CaseID, e.CaseYear, e.DocName, e.URL,
		e.TargetPath, status, now, now,
	)
	if err != nil {
		return fmt.Errorf("ledger: register task: %w", err)
	}
	return nil
}

// Get returns the ledger entry for a task key.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_key, case_id, case_year, doc_name, url, target_path,
			status, attempts, last_error, last_attempt_at,
			file_size, file_mtime, checksum
		FROM tasks WHERE task_key = ?`, key)
	return scanEntry(row)
}

// ListByStatus returns all entries with the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_key, case_id, case_year, doc_name, url, target_path,
			status, attempts, last_error, last_attempt_at,
			file_size, file_mtime, checksum
		FROM tasks WHERE status = ? ORDER BY created_at, task_key`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Fetchable returns entries the fetcher should process: pending or
// failed_retryable tasks that have a source URL.
func (s *Store) Fetchable(ctx context.Context) ([]*Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_key, case_id, case_year, doc_name, url, target_path,
			status, attempts, last_error, last_attempt_at,
			file_size, file_mtime, checksum
		FROM tasks
		WHERE status IN (?, ?) AND url != ''
		ORDER BY created_at, task_key`,
		StatusPending, StatusFailedRetryable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RecordSuccess commits a successful, verified download: status becomes
// success and the on-disk fingerprint (size, mtime, checksum) is stored
// for later self-heal and staleness checks. Durable before return.
func (s *Store) RecordSuccess(ctx context.Context, key string, att *Attempt, size int64, mtime time.Time, checksum string) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		cur, err := currentStatus(tx, key)
		if err != nil {
			return err
		}
		if !canTransition(cur, StatusSuccess) {
			return fmt.Errorf("%w: %s → %s for %s", ErrBadTransition, cur, StatusSuccess, key)
		}
		now := time.Now()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, attempts = attempts + 1,
				last_error = '', last_attempt_at = ?,
				file_size = ?, file_mtime = ?, checksum = ?, updated_at = ?
			WHERE task_key = ?`,
			StatusSuccess, now.Unix(), size, mtime.Unix(), checksum, now.Unix(), key,
		); err != nil {
			return fmt.Errorf("ledger: record success: %w", err)
		}
		return s.insertAttempt(tx, key, att)
	})
}

// RecordFailure commits a failed attempt. Retryable failures become
// failed_retryable until the attempt ceiling is reached, then
// failed_permanent; non-retryable failures are permanent immediately.
// It returns the resulting status and the total attempt count.
func (s *Store) RecordFailure(ctx context.Context, key string, att *Attempt, retryable bool, ceiling int) (Status, int, error) {
	var status Status
	var attempts int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		cur, err := currentStatus(tx, key)
		if err != nil {
			return err
		}
		row := tx.QueryRow(`SELECT attempts FROM tasks WHERE task_key = ?`, key)
		if err := row.Scan(&attempts); err != nil {
			return fmt.Errorf("ledger: read attempts: %w", err)
		}
		attempts++

		status = StatusFailedRetryable
		if !retryable || (ceiling > 0 && attempts >= ceiling) {
			status = StatusFailedPermanent
		}
		if !canTransition(cur, status) {
			return fmt.Errorf("%w: %s → %s for %s", ErrBadTransition, cur, status, key)
		}

		now := time.Now().Unix()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, attempts = ?, last_error = ?,
				last_attempt_at = ?, updated_at = ?
			WHERE task_key = ?`,
			status, attempts, att.Error, now, now, key,
		); err != nil {
			return fmt.Errorf("ledger: record failure: %w", err)
		}
		return s.insertAttempt(tx, key, att)
	})
	if err != nil {
		return "", 0, err
	}
	return status, attempts, nil
}

// ResetToPending returns a task to pending with a fresh attempt budget.
// Without force only success entries may be reset (the self-heal path for
// files that vanished from disk); with force, terminal entries may be
// reset too (the operator's manual retry path).
func (s *Store) ResetToPending(ctx context.Context, key string, force bool) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		cur, err := currentStatus(tx, key)
		if err != nil {
			return err
		}
		switch cur {
		case StatusPending:
			return nil
		case StatusSuccess:
			// self-heal: always allowed
		case StatusFailedPermanent, StatusSkippedNoURL, StatusFailedRetryable:
			if !force {
				return fmt.Errorf("%w: %s → %s for %s (force required)", ErrBadTransition, cur, StatusPending, key)
			}
		}
		now := time.Now().Unix()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, attempts = 0, last_error = '',
				file_size = 0, file_mtime = 0, checksum = '', updated_at = ?
			WHERE task_key = ?`,
			StatusPending, now, key,
		); err != nil {
			return fmt.Errorf("ledger: reset: %w", err)
		}
		// Recorded counts describe the old bytes; drop them.
		if _, err := tx.Exec(`DELETE FROM page_metadata WHERE task_key = ?`, key); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM page_summaries WHERE task_key = ?`, key); err != nil {
			return err
		}
		return nil
	})
}

// Attempts returns the retained attempt history for a task, newest first.
func (s *Store) Attempts(ctx context.Context, key string, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = attemptHistoryLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_key, status_code, error_message, bytes, duration_ms, attempted_at
		FROM fetch_attempts WHERE task_key = ?
		ORDER BY attempted_at DESC, id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Attempt
	for rows.Next() {
		var a Attempt
		var at int64
		if err := rows.Scan(&a.ID, &a.TaskKey, &a.StatusCode, &a.Error, &a.Bytes, &a.DurationMS, &at); err != nil {
			return nil, fmt.Errorf("ledger: scan attempt: %w", err)
		}
		a.AttemptedAt = time.Unix(at, 0)
		result = append(result, &a)
	}
	return result, rows.Err()
}

// CountByStatus returns the number of tasks per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// insertAttempt appends an attempt row and prunes history beyond the
// retention limit. Runs inside the record transaction.
func (s *Store) insertAttempt(tx *sql.Tx, key string, att *Attempt) error {
	if att == nil {
		return nil
	}
	id := att.ID
	if id == "" {
		id = s.newID()
	}
	at := att.AttemptedAt
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := tx.Exec(`
		INSERT INTO fetch_attempts (id, task_key, status_code, error_message, bytes, duration_ms, attempted_at)
		VALUES (?,?,?,?,?,?,?)`,
		id, key, att.StatusCode, att.Error, att.Bytes, att.DurationMS, at.Unix(),
	); err != nil {
		return fmt.Errorf("ledger: insert attempt: %w", err)
	}
	_, err := tx.Exec(`
		DELETE FROM fetch_attempts WHERE task_key = ? AND id NOT IN (
			SELECT id FROM fetch_attempts WHERE task_key = ?
			ORDER BY attempted_at DESC, id DESC LIMIT ?
		)`, key, key, attemptHistoryLimit)
	return err
}

func currentStatus(tx *sql.Tx, key string) (Status, error) {
	var st Status
	err := tx.QueryRow(`SELECT status FROM tasks WHERE task_key = ?`, key).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var lastAt sql.NullInt64
	var mtime int64
	err := row.Scan(&e.TaskKey, &e.CaseID, &e.CaseYear, &e.DocName, &e.URL,
		&e.TargetPath, &e.Status, &e.Attempts, &e.LastError, &lastAt,
		&e.FileSize, &mtime, &e.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan entry: %w", err)
	}
	if lastAt.Valid {
		e.LastAttemptAt = time.Unix(lastAt.Int64, 0)
	}
	if mtime != 0 {
		e.FileMtime = time.Unix(mtime, 0)
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
