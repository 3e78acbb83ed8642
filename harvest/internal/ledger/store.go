// Package ledger provides the durable SQLite record of each task's
// acquisition outcome. It is the only state shared between runs: the
// fetcher consults it to skip completed work, and the metadata extractor
// reads it to find verified documents.
package ledger

import (
	"database/sql"
	"errors"

	"github.com/hazyhaar/caseharvest/dbopen"
	"github.com/hazyhaar/caseharvest/idgen"
)

// ErrNotFound is returned when a task key has no ledger row.
var ErrNotFound = errors.New("ledger: task not found")

// ErrBadTransition is returned when a status write would move a task
// backwards through the lattice (e.g. overwrite a success or re-fail a
// permanently failed task without a forced reset).
var ErrBadTransition = errors.New("ledger: status transition not allowed")

// attemptHistoryLimit is how many fetch attempts are retained per task.
const attemptHistoryLimit = 5

// Store is the ledger database handle.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Open opens (or creates) the ledger database at path, applying the
// caseharvest pragmas and the ledger schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an already-opened database. The schema must be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:    db,
		newID: idgen.Prefixed("att_", idgen.Default),
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// canTransition enforces the forward-only status lattice.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSuccess || to == StatusFailedRetryable ||
			to == StatusFailedPermanent || to == StatusSkippedNoURL
	case StatusFailedRetryable:
		return to == StatusSuccess || to == StatusFailedRetryable ||
			to == StatusFailedPermanent
	default:
		// success and the terminal states only move via an explicit reset.
		return false
	}
}
