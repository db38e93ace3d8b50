// Package config provides configuration management for the release mirror
// system. It handles YAML-based repository registry configuration including
// per-repository download overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration validation
var (
	ErrVersionRequired       = errors.New("version is required")
	ErrNoRepositories        = errors.New("at least one repository must be configured")
	ErrInvalidRepositoryKey  = errors.New("repository key must be in 'owner/repo' format")
	ErrNoAssetSelection      = errors.New("no asset patterns configured and source archive fallback disabled")
	ErrInvalidArchivePref    = errors.New("source_archive_preference must be 'tarball' or 'zipball'")
	ErrGPGKeyFileRequired    = errors.New("gpg_public_key_file is required when verify_gpg is enabled")
	ErrLedgerTargetRequired  = errors.New("ledger path or bucket_url is required")
	ErrLedgerTargetAmbiguous = errors.New("ledger path and bucket_url are mutually exclusive")
)

// Archive format preferences for source-archive fallback.
const (
	ArchiveTarball = "tarball"
	ArchiveZipball = "zipball"
)

// Config represents the top-level configuration structure.
type Config struct {
	Version      string                `yaml:"version"`
	Metadata     Metadata              `yaml:"metadata"`
	Defaults     Defaults              `yaml:"defaults"`
	Repositories map[string]Repository `yaml:"repositories"`
}

// Metadata represents metadata about the configuration.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Created     string `yaml:"created"`
	Updated     string `yaml:"updated"`
}

// LedgerConfig selects where the version ledger lives: a local file path or a
// blob bucket URL (s3://, gs://, file://...) plus object key.
type LedgerConfig struct {
	Path      string `yaml:"path"`
	BucketURL string `yaml:"bucket_url"`
	ObjectKey string `yaml:"object_key"`
}

// StorageConfig represents storage configuration for download tracking.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
}

// Defaults represents global download settings, overridable per repository.
type Defaults struct {
	OutputDir               string        `yaml:"output_dir"`
	AssetPatterns           []string      `yaml:"asset_patterns"`
	IncludePrereleases      bool          `yaml:"include_prereleases"`
	SourceArchiveFallback   bool          `yaml:"source_archive_fallback"`
	SourceArchivePreference string        `yaml:"source_archive_preference"`
	DownloadTimeout         string        `yaml:"download_timeout"`
	MaxRetries              int           `yaml:"max_retries"`
	MaxReleases             int           `yaml:"max_releases"`
	Ledger                  LedgerConfig  `yaml:"ledger"`
	Storage                 StorageConfig `yaml:"storage"`
}

// GetDownloadTimeout parses and returns the per-request timeout duration
func (d *Defaults) GetDownloadTimeout() time.Duration {
	if d.DownloadTimeout == "" {
		return 30 * time.Second // Default timeout
	}
	timeout, err := time.ParseDuration(d.DownloadTimeout)
	if err != nil {
		return 30 * time.Second // Default on parse error
	}
	return timeout
}

// Repository represents per-repository overrides. Zero-valued fields fall
// back to the global defaults; IncludePrereleases is a pointer so "not set"
// is distinguishable from an explicit false.
type Repository struct {
	AssetPatterns           []string `yaml:"asset_patterns"`
	TargetVersion           string   `yaml:"target_version"`
	IncludePrereleases      *bool    `yaml:"include_prereleases"`
	SourceArchivePreference string   `yaml:"source_archive_preference"`
	VerifyGPG               bool     `yaml:"verify_gpg"`
	GPGPublicKeyFile        string   `yaml:"gpg_public_key_file"`
}

// LoadConfig loads and parses the repository registry configuration from a
// YAML file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Validate validates the configuration structure and required fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		return ErrVersionRequired
	}
	if len(c.Repositories) == 0 {
		return ErrNoRepositories
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for key, repo := range c.Repositories {
		parts := strings.Split(key, "/")
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return fmt.Errorf("%w: got %q", ErrInvalidRepositoryKey, key)
		}
		if err := repo.Validate(); err != nil {
			return fmt.Errorf("repository %s: %w", key, err)
		}
	}
	return nil
}

// Validate validates the global defaults.
func (d *Defaults) Validate() error {
	if len(d.AssetPatterns) == 0 && !d.SourceArchiveFallback {
		return ErrNoAssetSelection
	}
	if err := validateArchivePreference(d.SourceArchivePreference); err != nil {
		return err
	}
	if d.Ledger.Path == "" && d.Ledger.BucketURL == "" {
		return ErrLedgerTargetRequired
	}
	if d.Ledger.Path != "" && d.Ledger.BucketURL != "" {
		return ErrLedgerTargetAmbiguous
	}
	return nil
}

// Validate validates a repository override.
func (r *Repository) Validate() error {
	if err := validateArchivePreference(r.SourceArchivePreference); err != nil {
		return err
	}
	if r.VerifyGPG && r.GPGPublicKeyFile == "" {
		return ErrGPGKeyFileRequired
	}
	return nil
}

func validateArchivePreference(pref string) error {
	switch pref {
	case "", ArchiveTarball, ArchiveZipball:
		return nil
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidArchivePref, pref)
	}
}

// Repository returns the override for a repository key and whether one exists.
func (c *Config) Repository(owner, repo string) (Repository, bool) {
	r, ok := c.Repositories[owner+"/"+repo]
	return r, ok
}

// DefaultConfig returns a default configuration with a sample repository.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Defaults: Defaults{
			OutputDir:               "./mirror",
			AssetPatterns:           []string{"*.tar.gz", "!*-src.tar.gz"},
			SourceArchiveFallback:   true,
			SourceArchivePreference: ArchiveTarball,
			DownloadTimeout:         "5m",
			MaxRetries:              3,
			MaxReleases:             10,
			Ledger: LedgerConfig{
				Path: "./mirror/ledger.json",
			},
			Storage: StorageConfig{
				DatabasePath: "./mirror/downloads.db",
				LogLevel:     "silent",
			},
		},
		Repositories: map[string]Repository{
			"kubernetes/kubernetes": {
				AssetPatterns: []string{"kubernetes.tar.gz", "!*-src.tar.gz"},
			},
		},
	}
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}
	return nil
}
