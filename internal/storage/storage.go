// Package storage provides artifact download tracking using GORM and SQLite
package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors following Dave Cheney's principle: define errors as values
var (
	ErrNilRecord = errors.New("download record cannot be nil")
	ErrNotFound  = errors.New("download record not found")
)

// Download status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ArtifactDownload represents one mirrored release artifact.
type ArtifactDownload struct {
	ID uint `gorm:"primaryKey"`

	// What was downloaded
	Owner     string `gorm:"not null;index:idx_repo"`
	Repo      string `gorm:"not null;index:idx_repo"`
	Tag       string `gorm:"not null;index:idx_tag"`
	Filename  string `gorm:"not null"`
	FileSize  int64
	SHA256    string
	SourceURL string `gorm:"not null"`

	// When
	DownloadedAt time.Time `gorm:"not null"`

	// Status
	Status       string `gorm:"not null"`
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for download record operations
type Store interface {
	Close() error
	RecordDownload(*ArtifactDownload) error
	ListAll() ([]*ArtifactDownload, error)
	ListByRepository(owner, repo string) ([]*ArtifactDownload, error)
	ListByTag(owner, repo, tag string) ([]*ArtifactDownload, error)
	GetStats() (map[string]interface{}, error)
}

// DB wraps gorm.DB with our download record operations
type DB struct {
	db *gorm.DB
}

// Config holds database configuration
type Config struct {
	DatabasePath string
	LogLevel     string // silent, error, warn, info
}

// InitDB initializes the database connection and runs migrations
func InitDB(cfg Config) (*DB, error) {
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-migrate schema
	if err := db.AutoMigrate(&ArtifactDownload{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// RecordDownload creates a new download record
func (d *DB) RecordDownload(record *ArtifactDownload) error {
	if record == nil {
		return ErrNilRecord
	}
	if err := d.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// ListAll returns all download records, newest first
func (d *DB) ListAll() ([]*ArtifactDownload, error) {
	var records []*ArtifactDownload
	if err := d.db.Order("downloaded_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	return records, nil
}

// ListByRepository returns all download records for a repository, newest first
func (d *DB) ListByRepository(owner, repo string) ([]*ArtifactDownload, error) {
	var records []*ArtifactDownload
	if err := d.db.Where("owner = ? AND repo = ?", owner, repo).
		Order("downloaded_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list downloads for %s/%s: %w", owner, repo, err)
	}
	return records, nil
}

// ListByTag returns all download records for one release tag, newest first
func (d *DB) ListByTag(owner, repo, tag string) ([]*ArtifactDownload, error) {
	var records []*ArtifactDownload
	if err := d.db.Where("owner = ? AND repo = ? AND tag = ?", owner, repo, tag).
		Order("downloaded_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list downloads for %s/%s@%s: %w", owner, repo, tag, err)
	}
	return records, nil
}

// GetStats returns download statistics
func (d *DB) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	// Total downloads
	var total int64
	if err := d.db.Model(&ArtifactDownload{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count total downloads: %w", err)
	}
	stats["total_downloads"] = total

	// By repository
	var repoCounts []struct {
		Owner string
		Repo  string
		Count int64
	}
	if err := d.db.Model(&ArtifactDownload{}).Select("owner, repo, COUNT(*) as count").
		Group("owner, repo").Scan(&repoCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get repository counts: %w", err)
	}
	stats["by_repository"] = repoCounts

	// By status
	var statusCounts []struct {
		Status string
		Count  int64
	}
	if err := d.db.Model(&ArtifactDownload{}).Select("status, COUNT(*) as count").
		Group("status").Scan(&statusCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get status counts: %w", err)
	}
	stats["by_status"] = statusCounts

	// Total bytes mirrored
	var totalBytes int64
	if err := d.db.Model(&ArtifactDownload{}).Where("status = ?", StatusSuccess).
		Select("COALESCE(SUM(file_size), 0)").Scan(&totalBytes).Error; err != nil {
		return nil, fmt.Errorf("failed to sum downloaded bytes: %w", err)
	}
	stats["total_bytes"] = totalBytes

	return stats, nil
}
