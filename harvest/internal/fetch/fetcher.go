// Package fetch implements the rate-limited HTTP download stage: a polite
// per-host gate, a classified retry policy, and atomic file writes (temp
// path + rename) so an interrupted transfer never leaves a partial file at
// a task's target path.
package fetch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/caseharvest/guard"
)

// Config configures the fetcher.
type Config struct {
	// Timeout is the per-request HTTP timeout. Default: 60s.
	Timeout time.Duration
	// MaxBytes caps the response body size. Default: guard.MaxResponseBody.
	MaxBytes int64
	// UserAgent sent with requests.
	UserAgent string
	// URLValidator validates URLs before fetch and on every redirect
	// (SSRF prevention). Default: guard.ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = guard.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = "caseharvest/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = guard.ValidateURL
	}
}

// Attempt describes one completed HTTP interaction. Err is nil on success;
// otherwise Retryable says whether the failure class is worth another try.
type Attempt struct {
	StatusCode int
	Bytes      int64
	Checksum   string // SHA-256 of the stored body, hex
	Duration   time.Duration
	Err        error
	Retryable  bool
}

// Fetcher downloads documents over HTTP.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher with SSRF protection on redirects.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Download fetches rawURL into destPath. The body is streamed to
// destPath+".part" and renamed only after it arrived completely, so the
// verifier never sees a truncated file. The part file is removed on any
// failure.
func (f *Fetcher) Download(ctx context.Context, rawURL, destPath string) Attempt {
	start := time.Now()
	att := f.download(ctx, rawURL, destPath)
	att.Duration = time.Since(start)
	return att
}

func (f *Fetcher) download(ctx context.Context, rawURL, destPath string) Attempt {
	if err := f.config.URLValidator(rawURL); err != nil {
		return Attempt{Err: fmt.Errorf("url rejected: %w", err), Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Attempt{Err: fmt.Errorf("new request: %w", err), Retryable: false}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "application/pdf,*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		// Transport-level failures (timeout, reset, DNS) are transient
		// unless the URL itself was malformed.
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil && strings.Contains(uerr.Err.Error(), "unsupported protocol") {
			return Attempt{Err: err, Retryable: false}
		}
		return Attempt{Err: fmt.Errorf("http get: %w", err), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Attempt{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("http %d", resp.StatusCode),
			Retryable:  RetryableStatus(resp.StatusCode),
		}
	}

	// The remote intermittently serves HTML error pages with a 200; catch
	// the declared ones here, the verifier catches the lying ones.
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "text/html" {
			return Attempt{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected content type %q", mt),
				Retryable:  true,
			}
		}
	}

	n, sum, err := f.writeAtomic(resp.Body, destPath)
	if err != nil {
		return Attempt{StatusCode: resp.StatusCode, Bytes: n, Err: err, Retryable: true}
	}
	return Attempt{StatusCode: resp.StatusCode, Bytes: n, Checksum: sum}
}

// writeAtomic streams body to destPath via a temp file, hashing as it
// copies. The rename happens only after the copy completed.
func (f *Fetcher) writeAtomic(body io.Reader, destPath string) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("mkdir: %w", err)
	}

	partPath := destPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}

	hasher := sha256.New()
	n, err := io.Copy(out, io.TeeReader(io.LimitReader(body, f.config.MaxBytes+1), hasher))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > f.config.MaxBytes {
		err = fmt.Errorf("response exceeds %d bytes", f.config.MaxBytes)
	}
	if err != nil {
		os.Remove(partPath)
		return n, "", fmt.Errorf("write body: %w", err)
	}

	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		return n, "", fmt.Errorf("rename: %w", err)
	}
	return n, fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// RetryableStatus reports whether an HTTP status is worth retrying:
// 5xx and 429 are transient, everything else non-200 is permanent
// (404/410 in particular mean the listing links to a document that is
// gone).
func RetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
