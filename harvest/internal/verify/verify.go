// Package verify confirms that a freshly downloaded file is a usable PDF
// before the ledger records success: signature, size floor, and a relaxed
// structural parse. A file that fails verification is deleted so the
// target path never holds known-bad bytes.
package verify

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DefaultMinSize is the smallest plausible document. Real filings are tens
// of kilobytes; anything under 1 KiB is an error page or a stub.
const DefaultMinSize int64 = 1024

// ErrNotPDF is returned when the file lacks the %PDF- signature.
var ErrNotPDF = errors.New("verify: missing PDF signature")

// ErrTooSmall is returned when the file is below the size floor.
var ErrTooSmall = errors.New("verify: file below minimum size")

// Config configures verification.
type Config struct {
	// MinSize is the minimum acceptable file size in bytes.
	// Default: DefaultMinSize.
	MinSize int64
}

func (c *Config) defaults() {
	if c.MinSize <= 0 {
		c.MinSize = DefaultMinSize
	}
}

// Result describes a verified file: the fingerprint the ledger stores so
// later runs can detect replaced or vanished files.
type Result struct {
	Size      int64
	Mtime     time.Time
	PageCount int
}

// Verifier checks downloaded files.
type Verifier struct {
	config Config
	// pdfConf is relaxed: court registries emit PDFs from many generators
	// and strict validation rejects files every viewer opens fine.
	pdfConf *model.Configuration
}

// New creates a Verifier.
func New(cfg Config) *Verifier {
	cfg.defaults()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Verifier{config: cfg, pdfConf: conf}
}

// Check verifies the file at path. On failure the file is removed and the
// returned error describes why; corrupt downloads are treated as transient
// by the caller, so the next attempt starts from a clean path.
func (v *Verifier) Check(path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("verify: stat: %w", err)
	}
	if info.Size() < v.config.MinSize {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, info.Size())
	}

	if err := checkSignature(path); err != nil {
		os.Remove(path)
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("verify: open: %w", err)
	}
	ctx, err := api.ReadValidateAndOptimize(f, v.pdfConf)
	f.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("verify: pdf parse: %w", err)
	}

	return &Result{
		Size:      info.Size(),
		Mtime:     info.ModTime(),
		PageCount: ctx.PageCount,
	}, nil
}

// Matches reports whether the file at path still matches a recorded
// fingerprint. Used by the self-heal pass and the metadata staleness
// check.
func Matches(path string, size int64, mtime time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == size && info.ModTime().Unix() == mtime.Unix()
}

func checkSignature(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("verify: open: %w", err)
	}
	defer f.Close()

	// The signature may be preceded by up to 1024 bytes of junk per the
	// PDF spec; registries do emit such files.
	buf := make([]byte, 1024+5)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return fmt.Errorf("verify: read header: %w", err)
	}
	if !bytes.Contains(buf[:n], []byte("%PDF-")) {
		return ErrNotPDF
	}
	return nil
}
