package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Version: "1.0",
		Defaults: Defaults{
			OutputDir:     "./mirror",
			AssetPatterns: []string{"*.tar.gz"},
			Ledger:        LedgerConfig{Path: "./mirror/ledger.json"},
		},
		Repositories: map[string]Repository{
			"acme/widget": {},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "missing version",
			mutate:  func(c *Config) { c.Version = "" },
			wantErr: ErrVersionRequired,
		},
		{
			name:    "no repositories",
			mutate:  func(c *Config) { c.Repositories = nil },
			wantErr: ErrNoRepositories,
		},
		{
			name: "bad repository key",
			mutate: func(c *Config) {
				c.Repositories["not-a-repo"] = Repository{}
			},
			wantErr: ErrInvalidRepositoryKey,
		},
		{
			name: "no asset selection",
			mutate: func(c *Config) {
				c.Defaults.AssetPatterns = nil
				c.Defaults.SourceArchiveFallback = false
			},
			wantErr: ErrNoAssetSelection,
		},
		{
			name: "bad archive preference",
			mutate: func(c *Config) {
				c.Defaults.SourceArchivePreference = "rar"
			},
			wantErr: ErrInvalidArchivePref,
		},
		{
			name: "gpg without key file",
			mutate: func(c *Config) {
				c.Repositories["acme/widget"] = Repository{VerifyGPG: true}
			},
			wantErr: ErrGPGKeyFileRequired,
		},
		{
			name: "no ledger target",
			mutate: func(c *Config) {
				c.Defaults.Ledger = LedgerConfig{}
			},
			wantErr: ErrLedgerTargetRequired,
		},
		{
			name: "ambiguous ledger target",
			mutate: func(c *Config) {
				c.Defaults.Ledger = LedgerConfig{Path: "x", BucketURL: "mem://"}
			},
			wantErr: ErrLedgerTargetAmbiguous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yes := true
	cfg := validConfig()
	cfg.Repositories["acme/gadget"] = Repository{
		AssetPatterns:      []string{"*-linux-amd64.tar.gz"},
		TargetVersion:      "v1.5.0",
		IncludePrereleases: &yes,
	}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	gadget, ok := loaded.Repository("acme", "gadget")
	if !ok {
		t.Fatal("acme/gadget missing after round trip")
	}
	if gadget.TargetVersion != "v1.5.0" {
		t.Errorf("TargetVersion = %q, want v1.5.0", gadget.TargetVersion)
	}
	if gadget.IncludePrereleases == nil || !*gadget.IncludePrereleases {
		t.Error("IncludePrereleases should round trip as explicit true")
	}
	if _, ok := loaded.Repository("acme", "unknown"); ok {
		t.Error("unexpected override for unconfigured repository")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("version: [unclosed"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Error("expected error for malformed yaml")
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		if err := os.WriteFile(path, []byte("version: \"1.0\"\n"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := LoadConfig(path); !errors.Is(err, ErrNoRepositories) {
			t.Errorf("got %v, want ErrNoRepositories", err)
		}
	})
}

func TestGetDownloadTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout string
		want    time.Duration
	}{
		{"empty uses default", "", 30 * time.Second},
		{"parse error uses default", "not-a-duration", 30 * time.Second},
		{"valid duration", "5m", 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Defaults{DownloadTimeout: tt.timeout}
			if got := d.GetDownloadTimeout(); got != tt.want {
				t.Errorf("GetDownloadTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig must validate: %v", err)
	}
}
