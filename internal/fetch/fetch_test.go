package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noSleepPolicy keeps retries but never blocks the test run.
func noSleepPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		Backoff:    func(attempt int) time.Duration { return time.Duration(attempt) },
		Sleep:      func(time.Duration) {},
	}
}

func newTestFetcher(t *testing.T, client *http.Client, maxRetries int) *Fetcher {
	t.Helper()
	f, err := NewFetcher(client, testLogger(), noSleepPolicy(maxRetries))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetch_Success(t *testing.T) {
	body := "release artifact payload"
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("GET", "https://example.com/widget.tar.gz",
		httpmock.NewStringResponder(200, body))

	dest := filepath.Join(t.TempDir(), "widget.tar.gz")
	f := newTestFetcher(t, client, 0)

	result := f.Fetch(context.Background(), "https://example.com/widget.tar.gz", dest, int64(len(body)))
	if !result.Success {
		t.Fatalf("Fetch failed: %s", result.Error)
	}
	if result.FileSize != int64(len(body)) {
		t.Errorf("FileSize = %d, want %d", result.FileSize, len(body))
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != body {
		t.Errorf("file content mismatch")
	}

	want := sha256.Sum256([]byte(body))
	if result.SHA256 != hex.EncodeToString(want[:]) {
		t.Errorf("SHA256 = %s, want %s", result.SHA256, hex.EncodeToString(want[:]))
	}

	// Sidecar carries the checksum and the file name.
	sidecar, err := os.ReadFile(dest + SidecarSuffix)
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	if !strings.Contains(string(sidecar), result.SHA256) || !strings.Contains(string(sidecar), "widget.tar.gz") {
		t.Errorf("sidecar content = %q", sidecar)
	}
}

func TestFetch_SizeMismatchFailsAndCleansUp(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("GET", "https://example.com/short.bin",
		httpmock.NewStringResponder(200, "abc"))

	dir := t.TempDir()
	dest := filepath.Join(dir, "short.bin")
	f := newTestFetcher(t, client, 1)

	result := f.Fetch(context.Background(), "https://example.com/short.bin", dest, 1024)
	if result.Success {
		t.Fatal("expected failure on size mismatch")
	}
	if !strings.Contains(result.Error, "size mismatch") {
		t.Errorf("error = %q, want size mismatch", result.Error)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination must not exist after failed download")
	}

	// No partial temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok after retries"))
	}))
	defer server.Close()

	var delays []time.Duration
	policy := RetryPolicy{
		MaxRetries: 3,
		Backoff:    func(attempt int) time.Duration { return time.Duration(1<<uint(attempt)) * time.Second },
		Sleep:      func(d time.Duration) { delays = append(delays, d) },
	}
	f, err := NewFetcher(server.Client(), testLogger(), policy)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "asset.bin")
	result := f.Fetch(context.Background(), server.URL+"/asset.bin", dest, 0)
	if !result.Success {
		t.Fatalf("Fetch failed: %s", result.Error)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// Exponential backoff: 2s then 4s.
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Errorf("delays = %v, want [2s 4s]", delays)
	}
}

func TestFetch_ExhaustedRetriesEmbedLastError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.Client(), 2)
	dest := filepath.Join(t.TempDir(), "missing.bin")

	result := f.Fetch(context.Background(), server.URL+"/missing.bin", dest, 0)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "after 3 attempts") {
		t.Errorf("error = %q, want attempt count", result.Error)
	}
	if !strings.Contains(result.Error, "404") {
		t.Errorf("error = %q, want embedded last status", result.Error)
	}
}

func TestFetch_ValidatesInput(t *testing.T) {
	f := newTestFetcher(t, &http.Client{}, 0)

	if r := f.Fetch(context.Background(), "", "/tmp/x", 0); r.Success || r.Error != ErrEmptyURL.Error() {
		t.Errorf("empty url: %+v", r)
	}
	if r := f.Fetch(context.Background(), "https://example.com/x", "", 0); r.Success || r.Error != ErrEmptyDestination.Error() {
		t.Errorf("empty destination: %+v", r)
	}
	if _, err := NewFetcher(nil, testLogger(), DefaultRetryPolicy()); err != ErrNilClient {
		t.Errorf("nil client: %v", err)
	}
}

func TestVerify_ChecksumMatchIsIndependentFact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	content := []byte("artifact bytes")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum := sha256.Sum256(content)
	hexSum := hex.EncodeToString(sum[:])

	f := newTestFetcher(t, &http.Client{}, 0)

	t.Run("match", func(t *testing.T) {
		v, err := f.Verify(path, hexSum)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !v.Verified || !v.ChecksumChecked || !v.ChecksumMatch {
			t.Errorf("got %+v", v)
		}
		if v.SizeBytes != int64(len(content)) {
			t.Errorf("SizeBytes = %d, want %d", v.SizeBytes, len(content))
		}
	})

	t.Run("case-insensitive match", func(t *testing.T) {
		v, err := f.Verify(path, strings.ToUpper(hexSum))
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !v.ChecksumMatch {
			t.Error("uppercase checksum should match")
		}
	})

	t.Run("corruption flips match without error", func(t *testing.T) {
		corrupted := append([]byte{}, content...)
		corrupted[0] ^= 0xFF
		if err := os.WriteFile(path, corrupted, 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		v, err := f.Verify(path, hexSum)
		if err != nil {
			t.Fatalf("Verify must not error on mismatch: %v", err)
		}
		if !v.Verified {
			t.Error("Verified must remain true for a readable file")
		}
		if v.ChecksumMatch {
			t.Error("ChecksumMatch must be false after corruption")
		}
		// The file is left in place.
		if _, err := os.Stat(path); err != nil {
			t.Errorf("file must survive a mismatch: %v", err)
		}
	})

	t.Run("no expectation no sidecar", func(t *testing.T) {
		v, err := f.Verify(path, "")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !v.Verified || v.ChecksumChecked {
			t.Errorf("got %+v, want verified without checksum check", v)
		}
	})
}

func TestVerify_ReadsSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	content := []byte("sidecar-verified bytes")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum := sha256.Sum256(content)
	sidecar := hex.EncodeToString(sum[:]) + "  artifact.bin\n"
	if err := os.WriteFile(path+SidecarSuffix, []byte(sidecar), 0644); err != nil {
		t.Fatalf("WriteFile sidecar: %v", err)
	}

	f := newTestFetcher(t, &http.Client{}, 0)
	v, err := f.Verify(path, "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !v.ChecksumChecked || !v.ChecksumMatch {
		t.Errorf("got %+v, want sidecar checksum match", v)
	}
}

func TestVerify_MissingFile(t *testing.T) {
	f := newTestFetcher(t, &http.Client{}, 0)
	if _, err := f.Verify(filepath.Join(t.TempDir(), "nope.bin"), ""); err == nil {
		t.Error("expected error for missing file")
	}
}
