package ledger

import "time"

// Status is the acquisition state of a task. Transitions move forward
// through the lattice only; see Store.record for enforcement.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSuccess         Status = "success"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
	StatusSkippedNoURL    Status = "skipped_no_url"
)

// Terminal reports whether a normal run leaves the status untouched.
// Success is handled separately: it is skipped, not re-attempted, but a
// self-heal pass may reset it when the on-disk file is gone.
func (s Status) Terminal() bool {
	return s == StatusFailedPermanent || s == StatusSkippedNoURL
}

// Entry is one ledger row: the latest known outcome for a task.
type Entry struct {
	TaskKey       string
	CaseID        string
	CaseYear      int
	DocName       string
	URL           string
	TargetPath    string
	Status        Status
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
	FileSize      int64
	FileMtime     time.Time
	Checksum      string
}

// Attempt is one recorded HTTP interaction for a task.
type Attempt struct {
	ID          string
	TaskKey     string
	StatusCode  int
	Error       string
	Bytes       int64
	DurationMS  int64
	AttemptedAt time.Time
}

// Orientation classifies a page by its dimensions.
type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
	Square    Orientation = "square"
)

// Page is one page's recorded dimensions.
type Page struct {
	TaskKey     string
	PageIndex   int
	Width       float64
	Height      float64
	Orientation Orientation
}

// MetaStatus marks the outcome of page metadata extraction. It is
// orthogonal to fetch status: an unreadable PDF stays a fetch success.
type MetaStatus string

const (
	MetaOK     MetaStatus = "ok"
	MetaFailed MetaStatus = "metadata_failed"
)

// Summary is the aggregate page-count row per document, stamped with the
// source file fingerprint observed at extraction time.
type Summary struct {
	TaskKey       string
	RawPages      int
	AdjustedPages int
	SourceSize    int64
	SourceMtime   time.Time
	MetaStatus    MetaStatus
	MetaError     string
	ComputedAt    time.Time
}
