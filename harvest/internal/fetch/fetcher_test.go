package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noValidate(string) error { return nil }

func TestDownload_Success(t *testing.T) {
	// WHAT: a 200 response is written atomically to the destination with
	// the right bytes and checksum, and no .part file remains.
	// WHY: the checksum is the ledger fingerprint; a leftover part file
	// would confuse later runs.
	body := []byte("%PDF-1.4 fake body for transfer test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got == "" {
			t.Error("missing User-Agent header")
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "cases", "doc.pdf")

	f := New(Config{URLValidator: noValidate})
	att := f.Download(context.Background(), srv.URL+"/doc.pdf", dest)
	if att.Err != nil {
		t.Fatalf("download: %v", att.Err)
	}
	if att.Bytes != int64(len(body)) {
		t.Errorf("bytes = %d, want %d", att.Bytes, len(body))
	}
	want := fmt.Sprintf("%x", sha256.Sum256(body))
	if att.Checksum != want {
		t.Errorf("checksum = %s, want %s", att.Checksum, want)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Error("stored bytes differ from response body")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("part file left behind after success")
	}
}

func TestDownload_ServerErrorRetryable(t *testing.T) {
	// WHAT: a 500 is a retryable failure and writes nothing to disk.
	// WHY: transient registry errors must go back to the queue, never to
	// the target path.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "doc.pdf")

	f := New(Config{URLValidator: noValidate})
	att := f.Download(context.Background(), srv.URL, dest)
	if att.Err == nil {
		t.Fatal("expected error for 500")
	}
	if !att.Retryable {
		t.Error("500 must be retryable")
	}
	if att.StatusCode != 500 {
		t.Errorf("status = %d, want 500", att.StatusCode)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("file written despite 500")
	}
}

func TestDownload_NotFoundPermanent(t *testing.T) {
	// WHAT: a 404 is a non-retryable failure.
	// WHY: listings link to documents the registry deleted; retrying them
	// wastes the attempt budget.
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := New(Config{URLValidator: noValidate})
	att := f.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "doc.pdf"))
	if att.Err == nil {
		t.Fatal("expected error for 404")
	}
	if att.Retryable {
		t.Error("404 must not be retryable")
	}
}

func TestDownload_HTMLContentTypeRejected(t *testing.T) {
	// WHAT: a 200 that declares text/html is rejected as retryable and
	// nothing is written.
	// WHY: registries serve throttling pages with a 200; storing them
	// would poison the document set.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>please slow down</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "doc.pdf")

	f := New(Config{URLValidator: noValidate})
	att := f.Download(context.Background(), srv.URL, dest)
	if att.Err == nil {
		t.Fatal("expected content-type rejection")
	}
	if !att.Retryable {
		t.Error("html response must be retryable")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("html body written to target path")
	}
}

func TestDownload_BodyTooLarge(t *testing.T) {
	// WHAT: a body above MaxBytes fails and leaves no file behind.
	// WHY: the cap protects disk from a misbehaving endpoint streaming
	// unbounded data.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "doc.pdf")

	f := New(Config{MaxBytes: 1024, URLValidator: noValidate})
	att := f.Download(context.Background(), srv.URL, dest)
	if att.Err == nil {
		t.Fatal("expected size-cap error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("oversized body written to target path")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("part file left behind")
	}
}

func TestDownload_URLValidatorBlocks(t *testing.T) {
	// WHAT: a validator rejection fails without any HTTP request, and is
	// not retryable.
	// WHY: blocked destinations stay blocked; retrying them is pointless.
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	f := New(Config{URLValidator: func(string) error { return fmt.Errorf("blocked") }})
	att := f.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "doc.pdf"))
	if att.Err == nil || att.Retryable {
		t.Fatalf("att = %+v, want non-retryable error", att)
	}
	if called {
		t.Error("request sent despite validator rejection")
	}
}

func TestDownload_RedirectFollowedAndValidated(t *testing.T) {
	// WHAT: redirects are followed (up to the cap) and each hop passes
	// through the validator.
	// WHY: an open redirect on the registry must not become a proxy into
	// private address space.
	body := []byte("%PDF-1.4 redirected")
	var hops []string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{URLValidator: func(u string) error {
		hops = append(hops, u)
		return nil
	}})
	dest := filepath.Join(t.TempDir(), "doc.pdf")
	att := f.Download(context.Background(), srv.URL+"/start", dest)
	if att.Err != nil {
		t.Fatalf("download: %v", att.Err)
	}
	if len(hops) < 2 {
		t.Errorf("validator saw %d URLs, want the original and the redirect", len(hops))
	}
}

func TestDownload_ContextCancelled(t *testing.T) {
	// WHAT: a cancelled context aborts the transfer as a retryable failure
	// with no leftover files.
	// WHY: shutdown mid-download must requeue the task cleanly.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "doc.pdf")
	f := New(Config{URLValidator: noValidate})
	att := f.Download(ctx, srv.URL, dest)
	if att.Err == nil {
		t.Fatal("expected cancellation error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("file written despite cancellation")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("part file left behind")
	}
}

func TestRetryableStatus(t *testing.T) {
	// WHAT: 5xx and 429 retry; 4xx otherwise do not.
	// WHY: the classification feeds straight into the status lattice.
	cases := []struct {
		code int
		want bool
	}{
		{500, true}, {502, true}, {503, true},
		{429, true},
		{404, false}, {410, false}, {403, false}, {400, false},
	}
	for _, tc := range cases {
		if got := RetryableStatus(tc.code); got != tc.want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
