// Package payload provides content-addressed blob storage for raw source
// payloads. The ledger stores only references; the bytes live here.
package payload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weftworks/weft/internal/canon"
)

// Store is the payload storage collaborator. References are opaque.
type Store interface {
	// Store persists data and returns its reference. Storing the same
	// bytes twice returns the same reference.
	Store(data []byte) (string, error)

	// Retrieve returns the bytes for ref. A missing reference is a
	// payload-purge condition and returns a *PurgedError, never
	// (nil, nil).
	Retrieve(ref string) ([]byte, error)
}

// PurgedError reports a payload reference whose bytes are gone. Resume
// cannot reprocess a row whose source payload was purged.
type PurgedError struct {
	Ref string
}

func (e *PurgedError) Error() string {
	return fmt.Sprintf("payload purged: reference %s no longer resolves", e.Ref)
}

// IsPurged reports whether err is (or wraps) a PurgedError.
func IsPurged(err error) bool {
	var pe *PurgedError
	return errors.As(err, &pe)
}

// FileStore is a content-addressed filesystem Store. Objects are sharded
// by the first two hex characters of their hash, git-object style.
type FileStore struct {
	dir string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("payload store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Store writes data under its content hash. Writes go through a temp file
// and rename so a crash never leaves a torn object.
func (s *FileStore) Store(data []byte) (string, error) {
	ref := canon.Hash(canon.DomainPayload, data)
	path := s.path(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil // already stored, content-addressed dedup
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("payload store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("payload store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("payload store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("payload store: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("payload store: %w", err)
	}
	return ref, nil
}

// Retrieve reads the bytes for ref.
func (s *FileStore) Retrieve(ref string) ([]byte, error) {
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &PurgedError{Ref: ref}
		}
		return nil, fmt.Errorf("payload retrieve: %w", err)
	}
	return data, nil
}

func (s *FileStore) path(ref string) string {
	if len(ref) < 2 {
		return filepath.Join(s.dir, ref)
	}
	return filepath.Join(s.dir, ref[:2], ref[2:])
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// Store persists data in memory under its content hash.
func (s *MemStore) Store(data []byte) (string, error) {
	ref := canon.Hash(canon.DomainPayload, data)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[ref] = cp
	return ref, nil
}

// Retrieve returns the bytes for ref, or a *PurgedError.
func (s *MemStore) Retrieve(ref string) ([]byte, error) {
	data, ok := s.objects[ref]
	if !ok {
		return nil, &PurgedError{Ref: ref}
	}
	return data, nil
}

// Purge removes an object, simulating retention expiry in tests.
func (s *MemStore) Purge(ref string) {
	delete(s.objects, ref)
}
