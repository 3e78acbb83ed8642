package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/caseharvest/dbopen"
)

// ReplacePageMetadata atomically swaps the page rows and summary for a
// document. Old rows are deleted first so a replaced file never leaves a
// mix of stale and fresh pages behind.
func (s *Store) ReplacePageMetadata(ctx context.Context, key string, pages []*Page, sum *Summary) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM page_metadata WHERE task_key = ?`, key); err != nil {
			return fmt.Errorf("ledger: clear pages: %w", err)
		}
		for _, p := range pages {
			if _, err := tx.Exec(`
				INSERT INTO page_metadata (task_key, page_index, width, height, orientation)
				VALUES (?,?,?,?,?)`,
				key, p.PageIndex, p.Width, p.Height, p.Orientation,
			); err != nil {
				return fmt.Errorf("ledger: insert page %d: %w", p.PageIndex, err)
			}
		}
		computedAt := sum.ComputedAt
		if computedAt.IsZero() {
			computedAt = time.Now()
		}
		if _, err := tx.Exec(`
			INSERT INTO page_summaries (task_key, raw_pages, adjusted_pages,
				source_size, source_mtime, meta_status, meta_error, computed_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(task_key) DO UPDATE SET
				raw_pages = excluded.raw_pages,
				adjusted_pages = excluded.adjusted_pages,
				source_size = excluded.source_size,
				source_mtime = excluded.source_mtime,
				meta_status = excluded.meta_status,
				meta_error = excluded.meta_error,
				computed_at = excluded.computed_at`,
			key, sum.RawPages, sum.AdjustedPages,
			sum.SourceSize, sum.SourceMtime.Unix(), sum.MetaStatus, sum.MetaError, computedAt.Unix(),
		); err != nil {
			return fmt.Errorf("ledger: upsert summary: %w", err)
		}
		return nil
	})
}

// GetSummary returns the page summary for a document, or ErrNotFound when
// metadata has not been computed yet.
func (s *Store) GetSummary(ctx context.Context, key string) (*Summary, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_key, raw_pages, adjusted_pages, source_size, source_mtime,
			meta_status, meta_error, computed_at
		FROM page_summaries WHERE task_key = ?`, key)
	return scanSummary(row)
}

// Pages returns the recorded page rows for a document in page order.
func (s *Store) Pages(ctx context.Context, key string) ([]*Page, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_key, page_index, width, height, orientation
		FROM page_metadata WHERE task_key = ? ORDER BY page_index`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.TaskKey, &p.PageIndex, &p.Width, &p.Height, &p.Orientation); err != nil {
			return nil, fmt.Errorf("ledger: scan page: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// MetadataRow is one line of the document-metadata output table: the task
// identity joined with its page counts (null counts when metadata is
// missing or failed, and for document-less case rows).
type MetadataRow struct {
	TaskKey       string
	CaseID        string
	CaseYear      int
	DocName       string
	Status        Status
	RawPages      sql.NullInt64
	AdjustedPages sql.NullInt64
	MetaStatus    string
}

// MetadataTable returns one row per task (including document-less case
// rows) with page counts where available.
func (s *Store) MetadataTable(ctx context.Context) ([]*MetadataRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT t.task_key, t.case_id, t.case_year, t.doc_name, t.status,
			ps.raw_pages, ps.adjusted_pages, COALESCE(ps.meta_status, '')
		FROM tasks t
		LEFT JOIN page_summaries ps ON ps.task_key = t.task_key
		ORDER BY t.case_year, t.case_id, t.doc_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*MetadataRow
	for rows.Next() {
		var r MetadataRow
		if err := rows.Scan(&r.TaskKey, &r.CaseID, &r.CaseYear, &r.DocName, &r.Status,
			&r.RawPages, &r.AdjustedPages, &r.MetaStatus); err != nil {
			return nil, fmt.Errorf("ledger: scan metadata row: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

func scanSummary(row rowScanner) (*Summary, error) {
	var sum Summary
	var mtime, computed int64
	err := row.Scan(&sum.TaskKey, &sum.RawPages, &sum.AdjustedPages,
		&sum.SourceSize, &mtime, &sum.MetaStatus, &sum.MetaError, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan summary: %w", err)
	}
	sum.SourceMtime = time.Unix(mtime, 0)
	sum.ComputedAt = time.Unix(computed, 0)
	return &sum, nil
}
