package harvest

import "github.com/hazyhaar/caseharvest/harvest/internal/ledger"

// Re-exported types from internal/ledger for use by cmd/ and external callers.
type (
	Entry       = ledger.Entry
	Attempt     = ledger.Attempt
	Page        = ledger.Page
	Summary     = ledger.Summary
	MetadataRow = ledger.MetadataRow
	Status      = ledger.Status
	Orientation = ledger.Orientation
	MetaStatus  = ledger.MetaStatus
)

const (
	StatusPending         = ledger.StatusPending
	StatusSuccess         = ledger.StatusSuccess
	StatusFailedRetryable = ledger.StatusFailedRetryable
	StatusFailedPermanent = ledger.StatusFailedPermanent
	StatusSkippedNoURL    = ledger.StatusSkippedNoURL
)
