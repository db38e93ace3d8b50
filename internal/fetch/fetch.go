// Package fetch streams remote release assets to local storage with checksum
// computation, atomic placement and bounded retries.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors for fetch operations.
var (
	ErrEmptyURL         = errors.New("download URL cannot be empty")
	ErrEmptyDestination = errors.New("destination path cannot be empty")
	ErrNilClient        = errors.New("http client cannot be nil")
)

// SidecarSuffix is appended to the destination path for the checksum sidecar.
const SidecarSuffix = ".sha256"

// RetryPolicy bounds download attempts: MaxRetries additional attempts after
// the first, with Backoff(attempt) slept between attempts. Sleep is
// injectable so tests can run with a fake clock.
type RetryPolicy struct {
	MaxRetries int
	Backoff    func(attempt int) time.Duration
	Sleep      func(time.Duration)
}

// DefaultRetryPolicy returns the standard policy: 3 retries with exponential
// backoff of 2^attempt seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		Sleep: time.Sleep,
	}
}

// Result is the outcome of fetching one asset.
type Result struct {
	AssetName string        `json:"asset_name"`
	URL       string        `json:"url,omitempty"`
	Success   bool          `json:"success"`
	FilePath  string        `json:"file_path,omitempty"`
	FileSize  int64         `json:"file_size_bytes,omitempty"`
	SHA256    string        `json:"sha256,omitempty"`
	Duration  time.Duration `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// Verification reports the two independent facts about a file on disk: that
// it exists and could be hashed, and whether its checksum matched an
// expectation when one was available.
type Verification struct {
	Verified        bool   `json:"verified"`
	ChecksumChecked bool   `json:"checksum_checked"`
	ChecksumMatch   bool   `json:"checksum_match"`
	SHA256          string `json:"sha256"`
	SizeBytes       int64  `json:"size_bytes"`
}

// Fetcher downloads and verifies release assets. The HTTP client is injected
// so there is no ambient global state; its Timeout bounds each individual
// attempt, not the whole retry sequence.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
	retry  RetryPolicy
}

// NewFetcher creates a fetcher using the provided client and retry policy.
func NewFetcher(client *http.Client, logger *slog.Logger, retry RetryPolicy) (*Fetcher, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if retry.Backoff == nil || retry.Sleep == nil {
		def := DefaultRetryPolicy()
		if retry.Backoff == nil {
			retry.Backoff = def.Backoff
		}
		if retry.Sleep == nil {
			retry.Sleep = def.Sleep
		}
	}
	return &Fetcher{client: client, logger: logger, retry: retry}, nil
}

// Fetch streams url to dest, retrying transient failures. expectedSize <= 0
// disables the size check. The final file only ever appears at dest complete:
// every attempt writes to its own temporary file and is renamed into place.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string, expectedSize int64) Result {
	start := time.Now()
	result := Result{AssetName: filepath.Base(dest), URL: url}

	if url == "" {
		result.Error = ErrEmptyURL.Error()
		return result
	}
	if dest == "" {
		result.Error = ErrEmptyDestination.Error()
		return result
	}

	var lastErr error
	for attempt := 0; attempt <= f.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.retry.Backoff(attempt)
			f.logger.Warn("retrying download",
				"url", url, "attempt", attempt, "delay", delay, "error", lastErr)
			f.retry.Sleep(delay)
		}

		size, sum, err := f.attempt(ctx, url, dest, expectedSize)
		if err == nil {
			result.Success = true
			result.FilePath = dest
			result.FileSize = size
			result.SHA256 = sum
			result.Duration = time.Since(start)
			f.logger.Info("download complete",
				"file", result.AssetName, "bytes", size, "sha256", sum)
			return result
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	result.Duration = time.Since(start)
	result.Error = fmt.Sprintf("download failed after %d attempts: %v", f.retry.MaxRetries+1, lastErr)
	return result
}

// attempt performs a single download try: stream to a temp file while
// hashing, validate size, then atomically rename and write the sidecar.
func (f *Fetcher) attempt(ctx context.Context, url, dest string, expectedSize int64) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, "", fmt.Errorf("bad status: %s", resp.Status)
	}

	if expectedSize > 0 && resp.ContentLength > 0 && resp.ContentLength != expectedSize {
		f.logger.Warn("content length disagrees with expected size",
			"url", url, "content_length", resp.ContentLength, "expected", expectedSize)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if err != nil {
		cleanup()
		return 0, "", fmt.Errorf("failed to stream body: %w", err)
	}

	if expectedSize > 0 && written != expectedSize {
		cleanup()
		return 0, "", fmt.Errorf("size mismatch: got %d bytes, expected %d", written, expectedSize)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return 0, "", fmt.Errorf("failed to move file into place: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	sidecar := fmt.Sprintf("%s  %s\n", sum, filepath.Base(dest))
	if err := os.WriteFile(dest+SidecarSuffix, []byte(sidecar), 0644); err != nil {
		return 0, "", fmt.Errorf("failed to write checksum sidecar: %w", err)
	}

	return written, sum, nil
}

// Verify recomputes the SHA-256 of path. The expected checksum is taken from
// the argument when non-empty, otherwise from the sidecar file if present.
// Checksums compare case-insensitively; a mismatch is reported, never acted
// on, and the file is left in place.
func (f *Fetcher) Verify(path, expectedChecksum string) (Verification, error) {
	var v Verification

	file, err := os.Open(path)
	if err != nil {
		return v, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return v, fmt.Errorf("failed to hash file: %w", err)
	}

	v.Verified = true
	v.SHA256 = hex.EncodeToString(h.Sum(nil))
	v.SizeBytes = size

	expected := expectedChecksum
	if expected == "" {
		expected = readSidecar(path + SidecarSuffix)
	}
	if expected != "" {
		v.ChecksumChecked = true
		v.ChecksumMatch = strings.EqualFold(v.SHA256, expected)
	}
	return v, nil
}

// readSidecar returns the checksum from a sidecar file, or "" when the
// sidecar is missing or malformed.
func readSidecar(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
