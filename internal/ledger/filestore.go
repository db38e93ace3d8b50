package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// FileStore persists the ledger document as a single file. Writes go to a
// temporary file in the same directory followed by an atomic rename, and the
// read-modify-write cycle is guarded by an advisory flock on a sibling .lock
// file so concurrent pipeline runs cannot lose each other's updates.
type FileStore struct {
	path string

	mu       sync.Mutex
	lockFile *os.File
}

// NewFileStore creates a file-backed ledger store at path, creating the
// parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	return s.path
}

// Read returns the whole document, reporting found=false when the file does
// not exist.
func (s *FileStore) Read(_ context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read ledger file %s: %w", s.path, err)
	}
	return data, true, nil
}

// AtomicReplace writes data to a temporary file in the ledger's directory and
// renames it over the target in one step.
func (s *FileStore) AtomicReplace(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp ledger file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}

// Lock acquires the exclusive advisory lock, blocking until it is granted.
func (s *FileStore) Lock(ctx context.Context) error {
	return s.flock(ctx, unix.LOCK_EX)
}

// RLock acquires a shared advisory lock, blocking until it is granted.
func (s *FileStore) RLock(ctx context.Context) error {
	return s.flock(ctx, unix.LOCK_SH)
}

func (s *FileStore) flock(ctx context.Context, how int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to open ledger lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		s.mu.Unlock()
		return fmt.Errorf("failed to lock ledger: %w", err)
	}
	s.lockFile = f
	return nil
}

// Unlock releases the exclusive lock.
func (s *FileStore) Unlock() error {
	return s.funlock()
}

// RUnlock releases the shared lock.
func (s *FileStore) RUnlock() error {
	return s.funlock()
}

func (s *FileStore) funlock() error {
	defer s.mu.Unlock()
	if s.lockFile == nil {
		return nil
	}
	f := s.lockFile
	s.lockFile = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to unlock ledger: %w", err)
	}
	return f.Close()
}
