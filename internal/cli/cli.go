// Package cli provides a unified command-line interface for the release
// mirror system. It supports YAML configuration files and drives the
// coordinator, ledger and verification layers.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/urfave/cli/v2"
	"gocloud.dev/blob"

	"github.com/clean-dependency-project/relmirror/internal/config"
	"github.com/clean-dependency-project/relmirror/internal/coordinator"
	"github.com/clean-dependency-project/relmirror/internal/fetch"
	gh "github.com/clean-dependency-project/relmirror/internal/github"
	"github.com/clean-dependency-project/relmirror/internal/gpg"
	"github.com/clean-dependency-project/relmirror/internal/ledger"
	"github.com/clean-dependency-project/relmirror/internal/report"
	"github.com/clean-dependency-project/relmirror/internal/storage"
)

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:     "relmirror",
		Usage:    "Mirror GitHub release artifacts with version tracking",
		Version:  "1.0.0",
		Compiled: time.Now(),
		Authors: []*cli.Author{
			{
				Name:  "Clean Dependency Project",
				Email: "info@example.com",
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "release-registry.yaml",
				Usage:   "path to release registry configuration file",
				EnvVars: []string{"RELMIRROR_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level for structured JSON output (debug, info, warn, error)",
				EnvVars: []string{"RELMIRROR_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Poll configured repositories and download new releases",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "repo",
						Aliases: []string{"r"},
						Usage:   "restrict the check to specific repositories (owner/repo)",
					},
					&cli.StringFlag{
						Name:  "output-dir",
						Usage: "output directory for downloads (overrides config)",
					},
					&cli.StringFlag{
						Name:  "output",
						Value: "text",
						Usage: "report format (text, json)",
					},
				},
				Action: checkCommand,
			},
			{
				Name:  "verify",
				Usage: "Verify a downloaded file against its checksum sidecar",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "path to the downloaded file",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "checksum",
						Usage: "expected SHA-256 hex digest (defaults to the .sha256 sidecar)",
					},
					&cli.StringFlag{
						Name:  "signature",
						Usage: "path to a detached GPG signature to verify",
					},
					&cli.StringFlag{
						Name:  "key",
						Usage: "path to the armored GPG public key (required with --signature)",
					},
				},
				Action: verifyCommand,
			},
			{
				Name:  "history",
				Usage: "Show recorded version history for a repository",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "repo",
						Aliases:  []string{"r"},
						Usage:    "repository in owner/repo format",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 10,
						Usage: "maximum number of history records to show",
					},
				},
				Action: historyCommand,
			},
			{
				Name:   "stats",
				Usage:  "Show ledger and download statistics",
				Action: statsCommand,
			},
			{
				Name:  "init",
				Usage: "Write a starter configuration file",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "overwrite an existing configuration file",
					},
				},
				Action: initCommand,
			},
		},
	}
}

// openLedger builds the ledger manager from config: a local file store or a
// blob bucket store, depending on which target is configured. The returned
// cleanup releases the underlying bucket when one was opened.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.Manager, func() error, error) {
	lc := cfg.Defaults.Ledger
	if lc.BucketURL != "" {
		bucket, err := blob.OpenBucket(ctx, lc.BucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open ledger bucket: %w", err)
		}
		key := lc.ObjectKey
		if key == "" {
			key = "ledger.json"
		}
		store, err := ledger.NewBucketStore(bucket, key)
		if err != nil {
			_ = bucket.Close()
			return nil, nil, err
		}
		return ledger.NewManager(store, logger), bucket.Close, nil
	}

	store, err := ledger.NewFileStore(lc.Path)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewManager(store, logger), func() error { return nil }, nil
}

// openRecords opens the download tracking database when one is configured.
func openRecords(cfg *config.Config) (storage.Store, error) {
	if cfg.Defaults.Storage.DatabasePath == "" {
		return nil, nil
	}
	return storage.InitDB(storage.Config{
		DatabasePath: cfg.Defaults.Storage.DatabasePath,
		LogLevel:     cfg.Defaults.Storage.LogLevel,
	})
}

// defaultPolicy maps the config defaults onto a coordinator policy.
func defaultPolicy(cfg *config.Config) coordinator.Policy {
	return coordinator.Policy{
		AssetPatterns:           cfg.Defaults.AssetPatterns,
		IncludePrereleases:      cfg.Defaults.IncludePrereleases,
		SourceArchiveFallback:   cfg.Defaults.SourceArchiveFallback,
		SourceArchivePreference: cfg.Defaults.SourceArchivePreference,
	}
}

// buildOverrides resolves per-repository overrides into fully-populated
// policies. Unset override fields inherit the global defaults here so the
// coordinator never has to distinguish "unset" from "explicitly false".
func buildOverrides(cfg *config.Config) map[string]coordinator.Policy {
	overrides := make(map[string]coordinator.Policy, len(cfg.Repositories))
	for key, repo := range cfg.Repositories {
		policy := coordinator.Policy{
			AssetPatterns:           repo.AssetPatterns,
			TargetVersion:           repo.TargetVersion,
			IncludePrereleases:      cfg.Defaults.IncludePrereleases,
			SourceArchiveFallback:   cfg.Defaults.SourceArchiveFallback,
			SourceArchivePreference: repo.SourceArchivePreference,
		}
		if repo.IncludePrereleases != nil {
			policy.IncludePrereleases = *repo.IncludePrereleases
		}
		if repo.VerifyGPG {
			policy.GPGPublicKeyFile = repo.GPGPublicKeyFile
		}
		overrides[key] = policy
	}
	return overrides
}

// selectRepositories returns the repository keys to check, honoring the
// --repo filter. Keys are sorted for deterministic batch order.
func selectRepositories(cfg *config.Config, filter []string) ([]string, error) {
	if len(filter) > 0 {
		for _, key := range filter {
			if _, ok := cfg.Repositories[key]; !ok {
				return nil, fmt.Errorf("repository %q is not configured", key)
			}
		}
		sorted := append([]string(nil), filter...)
		sort.Strings(sorted)
		return sorted, nil
	}

	keys := make([]string, 0, len(cfg.Repositories))
	for key := range cfg.Repositories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// checkCommand implements the check command: poll GitHub for each selected
// repository and hand all discovered candidates to the coordinator.
func checkCommand(c *cli.Context) error {
	logLevel := ParseLogLevelOrDefault(c.String("log-level"))
	stdout, stderr := NewLoggers(logLevel)

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		stderr.Error("failed to load config", "error", err)
		return fmt.Errorf("failed to load config: %w", err)
	}

	outputDir := c.String("output-dir")
	if outputDir == "" {
		outputDir = cfg.Defaults.OutputDir
	}
	if outputDir == "" {
		return fmt.Errorf("output directory not configured")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	ledgerManager, closeLedger, err := openLedger(c.Context, cfg, stderr)
	if err != nil {
		stderr.Error("failed to open ledger", "error", err)
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if closeErr := closeLedger(); closeErr != nil {
			stderr.Warn("failed to close ledger store", "error", closeErr)
		}
	}()

	records, err := openRecords(cfg)
	if err != nil {
		stderr.Error("failed to initialize database", "error", err)
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if records != nil {
		defer func() {
			if closeErr := records.Close(); closeErr != nil {
				stderr.Warn("failed to close database", "error", closeErr)
			}
		}()
	}

	retry := fetch.DefaultRetryPolicy()
	if cfg.Defaults.MaxRetries > 0 {
		retry.MaxRetries = cfg.Defaults.MaxRetries
	}
	httpClient := &http.Client{Timeout: cfg.Defaults.GetDownloadTimeout()}
	fetcher, err := fetch.NewFetcher(httpClient, stderr, retry)
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Ledger:     ledgerManager,
		Fetcher:    fetcher,
		Records:    records,
		Signatures: gpg.NewVerifier(),
		Defaults:   defaultPolicy(cfg),
		Overrides:  buildOverrides(cfg),
		OutputDir:  outputDir,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	repoKeys, err := selectRepositories(cfg, c.StringSlice("repo"))
	if err != nil {
		return err
	}

	maxReleases := cfg.Defaults.MaxReleases
	if maxReleases <= 0 {
		maxReleases = 10
	}

	ghClient := gh.NewClient(os.Getenv("GITHUB_TOKEN"), stderr)

	var candidates []coordinator.Candidate
	for _, key := range repoKeys {
		found, err := ghClient.ListCandidates(c.Context, key, maxReleases)
		if err != nil {
			// A poll failure for one repository must not abort the batch.
			stderr.Error("failed to list releases", "repository", key, "error", err)
			continue
		}
		stdout.Info("listed releases", "repository", key, "candidates", len(found))
		candidates = append(candidates, found...)
	}

	batch := coord.Run(c.Context, candidates)

	out, err := report.Render(batch, report.Format(c.String("output")))
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// verifyCommand re-checks a downloaded file against its checksum sidecar and
// optionally a detached GPG signature.
func verifyCommand(c *cli.Context) error {
	logLevel := ParseLogLevelOrDefault(c.String("log-level"))
	stdout, stderr := NewLoggers(logLevel)

	fetcher, err := fetch.NewFetcher(http.DefaultClient, stderr, fetch.DefaultRetryPolicy())
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}

	filePath := c.String("file")
	verification, err := fetcher.Verify(filePath, c.String("checksum"))
	if err != nil {
		stderr.Error("verification failed", "file", filePath, "error", err)
		return fmt.Errorf("verification failed: %w", err)
	}

	sigPath := c.String("signature")
	if sigPath != "" {
		keyPath := c.String("key")
		if keyPath == "" {
			return fmt.Errorf("--key is required with --signature")
		}
		if err := gpg.NewVerifier().VerifyDetachedFile(filePath, sigPath, keyPath); err != nil {
			stderr.Error("signature verification failed", "file", filePath, "error", err)
			return fmt.Errorf("signature verification failed: %w", err)
		}
		stdout.Info("signature verified", "file", filePath, "signature", sigPath)
	}

	output, err := json.MarshalIndent(verification, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))

	if verification.ChecksumChecked && !verification.ChecksumMatch {
		return fmt.Errorf("checksum mismatch for %s", filePath)
	}
	return nil
}

// historyCommand prints the recorded version history for one repository.
func historyCommand(c *cli.Context) error {
	logLevel := ParseLogLevelOrDefault(c.String("log-level"))
	_, stderr := NewLoggers(logLevel)

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	owner, repo, err := gh.ParseRepository(c.String("repo"))
	if err != nil {
		return err
	}

	ledgerManager, closeLedger, err := openLedger(c.Context, cfg, stderr)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if closeErr := closeLedger(); closeErr != nil {
			stderr.Warn("failed to close ledger store", "error", closeErr)
		}
	}()

	records, err := ledgerManager.History(c.Context, owner, repo, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	output, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// statsCommand prints ledger and download statistics as one JSON document.
func statsCommand(c *cli.Context) error {
	logLevel := ParseLogLevelOrDefault(c.String("log-level"))
	_, stderr := NewLoggers(logLevel)

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ledgerManager, closeLedger, err := openLedger(c.Context, cfg, stderr)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if closeErr := closeLedger(); closeErr != nil {
			stderr.Warn("failed to close ledger store", "error", closeErr)
		}
	}()

	ledgerStats, err := ledgerManager.Stats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to read ledger stats: %w", err)
	}

	combined := map[string]any{
		"ledger": ledgerStats,
	}

	records, err := openRecords(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if records != nil {
		defer func() {
			if closeErr := records.Close(); closeErr != nil {
				stderr.Warn("failed to close database", "error", closeErr)
			}
		}()
		downloadStats, err := records.GetStats()
		if err != nil {
			return fmt.Errorf("failed to read download stats: %w", err)
		}
		combined["downloads"] = downloadStats
	}

	output, err := json.MarshalIndent(combined, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// initCommand writes a starter configuration file.
func initCommand(c *cli.Context) error {
	logLevel := ParseLogLevelOrDefault(c.String("log-level"))
	stdout, _ := NewLoggers(logLevel)

	path := c.String("config")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("configuration file %s already exists (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}

	stdout.Info("wrote starter configuration", "path", path)
	return nil
}
