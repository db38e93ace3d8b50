// Package ledger provides the persisted record of last-downloaded versions per
// repository, with bounded history and safe concurrent read-modify-write.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SchemaVersion is written into every persisted ledger document.
const SchemaVersion = "1"

// HistoryCap bounds the per-repository history; oldest entries are evicted
// first when the cap is exceeded.
const HistoryCap = 50

// Sentinel errors following Dave Cheney's principle: define errors as values
var (
	ErrEmptyOwner   = errors.New("repository owner cannot be empty")
	ErrEmptyRepo    = errors.New("repository name cannot be empty")
	ErrEmptyVersion = errors.New("version cannot be empty")
)

// HistoryRecord is one past update of a repository entry.
type HistoryRecord struct {
	Version         string         `json:"version"`
	PreviousVersion string         `json:"previous_version,omitempty"`
	DownloadedAt    time.Time      `json:"downloaded_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Entry tracks the current version and bounded history for one repository.
type Entry struct {
	Owner          string          `json:"owner"`
	Repo           string          `json:"repo"`
	CurrentVersion string          `json:"current_version"`
	LastUpdatedAt  time.Time       `json:"last_updated_at"`
	History        []HistoryRecord `json:"history"`
}

// Document is the whole persisted ledger, keyed by "owner/repo". It is always
// read and written as a unit.
type Document struct {
	SchemaVersion string            `json:"schema_version"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
	Repositories  map[string]*Entry `json:"repositories"`
}

// Stats summarizes the ledger contents.
type Stats struct {
	RepoCount      int       `json:"repo_count"`
	HistoryEntries int       `json:"history_entries"`
	SchemaVersion  string    `json:"schema_version"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// Store abstracts where the ledger document lives. Implementations must make
// AtomicReplace all-or-nothing so a reader never observes a partial document,
// and must honor the exclusive/shared locking discipline around updates.
type Store interface {
	// Read returns the whole document, reporting found=false when no
	// document exists yet.
	Read(ctx context.Context) (data []byte, found bool, err error)

	// AtomicReplace replaces the whole document in one step.
	AtomicReplace(ctx context.Context, data []byte) error

	// Lock acquires the exclusive write lock; Unlock releases it.
	Lock(ctx context.Context) error
	Unlock() error

	// RLock acquires a shared read lock; RUnlock releases it.
	RLock(ctx context.Context) error
	RUnlock() error
}

// Manager performs read-modify-write cycles against a Store.
type Manager struct {
	store  Store
	cap    int
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistoryCap overrides the default history cap.
func WithHistoryCap(n int) Option {
	return func(m *Manager) { m.cap = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a ledger manager over the given store.
func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		cap:    HistoryCap,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// load reads and decodes the document under a lock already held by the
// caller. A missing, unreadable or corrupt document starts a fresh ledger so
// the pipeline stays self-healing.
func (m *Manager) load(ctx context.Context) *Document {
	fresh := &Document{
		SchemaVersion: SchemaVersion,
		CreatedAt:     m.now().UTC(),
		Repositories:  make(map[string]*Entry),
	}

	data, found, err := m.store.Read(ctx)
	if err != nil {
		m.logger.Warn("ledger unreadable, starting fresh", "error", err)
		return fresh
	}
	if !found {
		return fresh
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.logger.Warn("ledger corrupt, starting fresh", "error", err)
		return fresh
	}
	if doc.Repositories == nil {
		doc.Repositories = make(map[string]*Entry)
	}
	return &doc
}

// CurrentVersion returns the stored version for a repository, or "" with
// found=false when the repository has no entry.
func (m *Manager) CurrentVersion(ctx context.Context, owner, repo string) (string, bool, error) {
	if err := validateIdentity(owner, repo); err != nil {
		return "", false, err
	}
	if err := m.store.RLock(ctx); err != nil {
		return "", false, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = m.store.RUnlock() }()

	doc := m.load(ctx)
	entry, ok := doc.Repositories[key(owner, repo)]
	if !ok {
		return "", false, nil
	}
	return entry.CurrentVersion, true, nil
}

// UpdateVersion records a new current version for a repository, appending a
// history record that carries whatever version was stored before. There is no
// newer-than check at this layer; that policy belongs to the coordinator.
func (m *Manager) UpdateVersion(ctx context.Context, owner, repo, newVersion string, metadata map[string]any) error {
	if err := validateIdentity(owner, repo); err != nil {
		return err
	}
	if newVersion == "" {
		return ErrEmptyVersion
	}

	if err := m.store.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = m.store.Unlock() }()

	doc := m.load(ctx)
	now := m.now().UTC()
	k := key(owner, repo)

	entry, ok := doc.Repositories[k]
	if !ok {
		entry = &Entry{Owner: owner, Repo: repo}
		doc.Repositories[k] = entry
	}

	entry.History = append(entry.History, HistoryRecord{
		Version:         newVersion,
		PreviousVersion: entry.CurrentVersion,
		DownloadedAt:    now,
		Metadata:        metadata,
	})
	if len(entry.History) > m.cap {
		entry.History = entry.History[len(entry.History)-m.cap:]
	}
	entry.CurrentVersion = newVersion
	entry.LastUpdatedAt = now
	doc.LastUpdatedAt = now

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := m.store.AtomicReplace(ctx, data); err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}

// History returns up to limit history records for a repository, most recent
// first. A limit <= 0 returns everything.
func (m *Manager) History(ctx context.Context, owner, repo string, limit int) ([]HistoryRecord, error) {
	if err := validateIdentity(owner, repo); err != nil {
		return nil, err
	}
	if err := m.store.RLock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = m.store.RUnlock() }()

	doc := m.load(ctx)
	entry, ok := doc.Repositories[key(owner, repo)]
	if !ok {
		return nil, nil
	}

	records := make([]HistoryRecord, 0, len(entry.History))
	for i := len(entry.History) - 1; i >= 0; i-- {
		records = append(records, entry.History[i])
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// Stats summarizes the ledger.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if err := m.store.RLock(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = m.store.RUnlock() }()

	doc := m.load(ctx)
	stats := Stats{
		RepoCount:     len(doc.Repositories),
		SchemaVersion: doc.SchemaVersion,
		LastUpdatedAt: doc.LastUpdatedAt,
	}
	for _, entry := range doc.Repositories {
		stats.HistoryEntries += len(entry.History)
	}
	return stats, nil
}

func validateIdentity(owner, repo string) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	if repo == "" {
		return ErrEmptyRepo
	}
	return nil
}

func key(owner, repo string) string {
	return owner + "/" + repo
}
