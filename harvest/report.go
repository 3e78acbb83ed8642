package harvest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ResultLine is one JSONL record of the acquisition result log.
type ResultLine struct {
	TaskKey       string    `json:"task_key"`
	CaseID        string    `json:"case_id"`
	CaseYear      int       `json:"case_year"`
	DocName       string    `json:"doc_name,omitempty"`
	URL           string    `json:"url,omitempty"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	FileSize      int64     `json:"file_size,omitempty"`
	Checksum      string    `json:"checksum,omitempty"`
}

// WriteResultLog writes the full acquisition result log as JSON lines, one
// record per task, in case order.
func (h *Harvester) WriteResultLog(ctx context.Context, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, status := range []Status{
		StatusSuccess, StatusFailedRetryable, StatusFailedPermanent,
		StatusSkippedNoURL, StatusPending,
	} {
		entries, err := h.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := ResultLine{
				TaskKey:       e.TaskKey,
				CaseID:        e.CaseID,
				CaseYear:      e.CaseYear,
				DocName:       e.DocName,
				URL:           e.URL,
				Status:        e.Status,
				Attempts:      e.Attempts,
				LastError:     e.LastError,
				LastAttemptAt: e.LastAttemptAt,
				FileSize:      e.FileSize,
				Checksum:      e.Checksum,
			}
			if err := enc.Encode(line); err != nil {
				return fmt.Errorf("harvest: write result log: %w", err)
			}
		}
	}
	return nil
}

// WriteMetadataCSV writes the document metadata table: one row per task,
// including document-less case rows, ordered by year then case then
// document. Page count cells are empty when metadata is missing or failed.
func (h *Harvester) WriteMetadataCSV(ctx context.Context, w io.Writer) error {
	rows, err := h.store.MetadataTable(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"case_year", "case_id", "doc_name", "task_key",
		"status", "raw_pages", "adjusted_pages", "meta_status"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.Itoa(r.CaseYear),
			r.CaseID,
			r.DocName,
			r.TaskKey,
			string(r.Status),
			nullCount(r.RawPages),
			nullCount(r.AdjustedPages),
			r.MetaStatus,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("harvest: write metadata row %s: %w", r.TaskKey, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func nullCount(n sql.NullInt64) string {
	if n.Valid {
		return strconv.FormatInt(n.Int64, 10)
	}
	return ""
}
