// Package coordinator decides, per candidate release, whether to download,
// invokes the fetcher, updates the version ledger and aggregates a batch
// report.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/clean-dependency-project/relmirror/internal/fetch"
	"github.com/clean-dependency-project/relmirror/internal/ledger"
	"github.com/clean-dependency-project/relmirror/internal/storage"
	"github.com/clean-dependency-project/relmirror/internal/version"
)

// Sentinel errors for coordinator construction.
var (
	ErrNilLedger   = errors.New("ledger manager is required")
	ErrNilFetcher  = errors.New("fetcher is required")
	ErrNoOutputDir = errors.New("output directory is required")
)

// State is the terminal outcome for one candidate. Each candidate reaches
// exactly one terminal state per batch.
type State string

const (
	StateDownloaded State = "downloaded"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// Asset is one downloadable file attached to a candidate release.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size_bytes,omitempty"`
}

// Candidate is one discovered release proposed for download. It is immutable
// for the duration of one batch.
type Candidate struct {
	Owner      string  `json:"owner"`
	Repo       string  `json:"repo"`
	Tag        string  `json:"tag"`
	Assets     []Asset `json:"assets,omitempty"`
	TarballURL string  `json:"tarball_url,omitempty"`
	ZipballURL string  `json:"zipball_url,omitempty"`
}

// Repository returns the "owner/repo" identity of the candidate.
func (c Candidate) Repository() string {
	return c.Owner + "/" + c.Repo
}

// Policy is the effective download configuration for one repository: the
// global defaults with any per-repository override applied.
type Policy struct {
	AssetPatterns           []string
	TargetVersion           string
	IncludePrereleases      bool
	SourceArchiveFallback   bool
	SourceArchivePreference string
	GPGPublicKeyFile        string
}

// CandidateResult is the per-candidate detail carried in the batch report.
type CandidateResult struct {
	Repository string         `json:"repository"`
	Tag        string         `json:"tag"`
	State      State          `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	Downloads  []fetch.Result `json:"downloads,omitempty"`
}

// Report aggregates one coordinator run. NewDownloads, Skipped and Failed are
// mutually exclusive per candidate and sum to TotalChecked.
type Report struct {
	TotalChecked int               `json:"total_checked"`
	NewDownloads int               `json:"new_downloads"`
	Skipped      int               `json:"skipped"`
	Failed       int               `json:"failed"`
	Results      []CandidateResult `json:"results"`
	Errors       []string          `json:"errors,omitempty"`
}

// SignatureVerifier checks a detached signature over a downloaded file.
type SignatureVerifier interface {
	VerifyDetachedFile(targetPath, signaturePath, publicKeyPath string) error
}

// Options carries the coordinator's collaborators. Ledger, Fetcher and
// OutputDir are required; Records and Signatures are optional.
type Options struct {
	Comparator version.Comparator
	Ledger     *ledger.Manager
	Fetcher    *fetch.Fetcher
	Records    storage.Store
	Signatures SignatureVerifier
	Defaults   Policy
	Overrides  map[string]Policy
	OutputDir  string
	Stdout     *slog.Logger
	Stderr     *slog.Logger
}

// Coordinator processes candidate releases strictly sequentially within one
// batch. It owns the in-memory ledger snapshot only for the duration of each
// update transaction; the store is the long-lived owner.
type Coordinator struct {
	comparator version.Comparator
	ledger     *ledger.Manager
	fetcher    *fetch.Fetcher
	records    storage.Store
	signatures SignatureVerifier
	defaults   Policy
	overrides  map[string]Policy
	outputDir  string
	stdout     *slog.Logger
	stderr     *slog.Logger
	now        func() time.Time
}

// New creates a coordinator from the provided options.
func New(opts Options) (*Coordinator, error) {
	if opts.Ledger == nil {
		return nil, ErrNilLedger
	}
	if opts.Fetcher == nil {
		return nil, ErrNilFetcher
	}
	if opts.OutputDir == "" {
		return nil, ErrNoOutputDir
	}
	if opts.Comparator == nil {
		opts.Comparator = version.New()
	}
	if opts.Stdout == nil {
		opts.Stdout = slog.Default()
	}
	if opts.Stderr == nil {
		opts.Stderr = opts.Stdout
	}
	return &Coordinator{
		comparator: opts.Comparator,
		ledger:     opts.Ledger,
		fetcher:    opts.Fetcher,
		records:    opts.Records,
		signatures: opts.Signatures,
		defaults:   opts.Defaults,
		overrides:  opts.Overrides,
		outputDir:  opts.OutputDir,
		stdout:     opts.Stdout,
		stderr:     opts.Stderr,
		now:        time.Now,
	}, nil
}

// Run processes one batch of candidates and returns the aggregate report.
// The batch always completes: per-candidate failures are recorded, never
// propagated.
func (c *Coordinator) Run(ctx context.Context, candidates []Candidate) Report {
	report := Report{Results: make([]CandidateResult, 0, len(candidates))}

	for _, cand := range candidates {
		result := c.process(ctx, cand)
		report.TotalChecked++
		switch result.State {
		case StateDownloaded:
			report.NewDownloads++
		case StateSkipped:
			report.Skipped++
		default:
			report.Failed++
			if result.Reason != "" {
				report.Errors = append(report.Errors, fmt.Sprintf("%s@%s: %s", result.Repository, result.Tag, result.Reason))
			}
		}
		report.Results = append(report.Results, result)
	}

	c.stdout.Info("batch complete",
		"checked", report.TotalChecked,
		"downloaded", report.NewDownloads,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return report
}

// policyFor merges the global defaults with a per-repository override.
func (c *Coordinator) policyFor(owner, repo string) Policy {
	policy := c.defaults
	override, ok := c.overrides[owner+"/"+repo]
	if !ok {
		return policy
	}
	if len(override.AssetPatterns) > 0 {
		policy.AssetPatterns = override.AssetPatterns
	}
	if override.TargetVersion != "" {
		policy.TargetVersion = override.TargetVersion
	}
	policy.IncludePrereleases = override.IncludePrereleases
	if override.SourceArchivePreference != "" {
		policy.SourceArchivePreference = override.SourceArchivePreference
	}
	if override.GPGPublicKeyFile != "" {
		policy.GPGPublicKeyFile = override.GPGPublicKeyFile
	}
	return policy
}

// process walks one candidate through Received → Skipped | Downloading →
// Downloaded | Failed. Unexpected panics are converted to a Failed result so
// one bad candidate cannot abort the batch.
func (c *Coordinator) process(ctx context.Context, cand Candidate) (result CandidateResult) {
	result = CandidateResult{Repository: cand.Repository(), Tag: cand.Tag}

	defer func() {
		if r := recover(); r != nil {
			c.stderr.Error("candidate processing panicked", "repository", result.Repository, "panic", r)
			result.State = StateFailed
			result.Reason = fmt.Sprintf("internal error: %v", r)
		}
	}()

	if !validIdentity(cand.Owner, cand.Repo) {
		c.stderr.Warn("invalid repository identity", "owner", cand.Owner, "repo", cand.Repo)
		result.State = StateFailed
		result.Reason = "invalid repository format"
		return result
	}

	policy := c.policyFor(cand.Owner, cand.Repo)

	// Target-version mode bypasses the comparator and the prerelease policy:
	// only the exact pinned tag is ever downloaded, even when the ledger
	// already holds something newer.
	if policy.TargetVersion != "" {
		if cand.Tag != policy.TargetVersion {
			result.State = StateSkipped
			result.Reason = fmt.Sprintf("does not match target version %s", policy.TargetVersion)
			return result
		}
	} else {
		stored, _, err := c.ledger.CurrentVersion(ctx, cand.Owner, cand.Repo)
		if err != nil {
			result.State = StateFailed
			result.Reason = fmt.Sprintf("ledger read failed: %v", err)
			return result
		}
		if !c.comparator.IsNewer(cand.Tag, stored, policy.IncludePrereleases) {
			result.State = StateSkipped
			result.Reason = fmt.Sprintf("not newer than %q", stored)
			return result
		}
	}

	if len(cand.Assets) == 0 && cand.TarballURL == "" && cand.ZipballURL == "" {
		result.State = StateSkipped
		result.Reason = "no downloadable content"
		return result
	}

	downloads, skipReason := c.download(ctx, cand, policy)
	if skipReason != "" {
		result.State = StateSkipped
		result.Reason = skipReason
		return result
	}
	result.Downloads = downloads

	var files []string
	var totalBytes int64
	var elapsed time.Duration
	for _, d := range downloads {
		c.record(cand, d)
		elapsed += d.Duration
		if d.Success {
			files = append(files, filepath.Base(d.FilePath))
			totalBytes += d.FileSize
		}
	}

	if len(files) == 0 {
		result.State = StateFailed
		result.Reason = "all asset downloads failed"
		return result
	}

	c.verifySignatures(downloads, policy)

	metadata := map[string]any{
		"asset_count": len(files),
		"total_bytes": totalBytes,
		"duration_ms": elapsed.Milliseconds(),
		"files":       files,
	}
	if err := c.ledger.UpdateVersion(ctx, cand.Owner, cand.Repo, cand.Tag, metadata); err != nil {
		c.stderr.Error("ledger update failed", "repository", result.Repository, "error", err)
		result.State = StateFailed
		result.Reason = fmt.Sprintf("ledger update failed: %v", err)
		return result
	}

	c.stdout.Info("release mirrored",
		"repository", result.Repository, "tag", cand.Tag, "files", len(files), "bytes", totalBytes)
	result.State = StateDownloaded
	return result
}

// download fetches the pattern-matched assets, or the preferred source
// archive when no asset matches and fallback is enabled. A non-empty
// skipReason means nothing was eligible to download.
func (c *Coordinator) download(ctx context.Context, cand Candidate, policy Policy) ([]fetch.Result, string) {
	destDir := filepath.Join(c.outputDir, cand.Owner, cand.Repo, cand.Tag)

	var matched []Asset
	for _, asset := range cand.Assets {
		if fetch.MatchesPatterns(asset.Name, policy.AssetPatterns) {
			matched = append(matched, asset)
		}
	}

	if len(matched) == 0 {
		if !policy.SourceArchiveFallback {
			return nil, "no assets matched patterns"
		}
		archive, ok := sourceArchive(cand, policy.SourceArchivePreference)
		if !ok {
			return nil, "no downloadable content"
		}
		matched = []Asset{archive}
	}

	results := make([]fetch.Result, 0, len(matched))
	for _, asset := range matched {
		dest := filepath.Join(destDir, asset.Name)
		results = append(results, c.fetcher.Fetch(ctx, asset.URL, dest, asset.Size))
	}
	return results, ""
}

// sourceArchive picks the fallback archive by preference, defaulting to
// tarball with zipball as the alternative when the preferred URL is absent.
func sourceArchive(cand Candidate, preference string) (Asset, bool) {
	tarball := Asset{Name: fmt.Sprintf("%s-%s.tar.gz", cand.Repo, cand.Tag), URL: cand.TarballURL}
	zipball := Asset{Name: fmt.Sprintf("%s-%s.zip", cand.Repo, cand.Tag), URL: cand.ZipballURL}

	ordered := []Asset{tarball, zipball}
	if preference == "zipball" {
		ordered = []Asset{zipball, tarball}
	}
	for _, a := range ordered {
		if a.URL != "" {
			return a, true
		}
	}
	return Asset{}, false
}

// record writes one per-artifact row when a record store is configured.
func (c *Coordinator) record(cand Candidate, d fetch.Result) {
	if c.records == nil {
		return
	}
	rec := &storage.ArtifactDownload{
		Owner:        cand.Owner,
		Repo:         cand.Repo,
		Tag:          cand.Tag,
		Filename:     d.AssetName,
		FileSize:     d.FileSize,
		SHA256:       d.SHA256,
		SourceURL:    d.URL,
		DownloadedAt: c.now().UTC(),
		Status:       storage.StatusSuccess,
	}
	if !d.Success {
		rec.Status = storage.StatusFailed
		rec.ErrorMessage = d.Error
	}
	if err := c.records.RecordDownload(rec); err != nil {
		c.stderr.Warn("failed to record download", "file", d.AssetName, "error", err)
	}
}

// verifySignatures checks detached signatures among the fetched files when a
// public key is configured. Verification failures are reported, not fatal:
// the checksum path already guards integrity and the caller decides
// remediation.
func (c *Coordinator) verifySignatures(downloads []fetch.Result, policy Policy) {
	if c.signatures == nil || policy.GPGPublicKeyFile == "" {
		return
	}

	byName := make(map[string]fetch.Result, len(downloads))
	for _, d := range downloads {
		if d.Success {
			byName[d.AssetName] = d
		}
	}

	for _, d := range downloads {
		if !d.Success {
			continue
		}
		for _, ext := range []string{".asc", ".sig"} {
			sig, ok := byName[d.AssetName+ext]
			if !ok {
				continue
			}
			if err := c.signatures.VerifyDetachedFile(d.FilePath, sig.FilePath, policy.GPGPublicKeyFile); err != nil {
				c.stderr.Warn("signature verification failed",
					"file", d.AssetName, "signature", sig.AssetName, "error", err)
			} else {
				c.stdout.Info("signature verified", "file", d.AssetName)
			}
		}
	}
}

func validIdentity(owner, repo string) bool {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(repo) == "" {
		return false
	}
	return !strings.Contains(owner, "/") && !strings.Contains(repo, "/")
}
