// Package artifacts archives exported audit bundles in content-addressed
// object storage. A bundle is addressed by the SHA-256 of its bytes, written
// as "sha256:<hex>".
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

const (
	refPrefix  = "sha256:"
	objectExt  = ".bundle.zip"
	objectMIME = "application/zip"
)

// Store is content-addressed storage for archived bundles.
type Store interface {
	// Put persists data and returns its reference. Putting the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes behind ref, or a NotFound error.
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Digest returns the reference of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates ref and returns its hex part.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", contracts.E(contracts.KindValidationFailure, "artifacts", "invalid reference format: %s", ref)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", contracts.E(contracts.KindValidationFailure, "artifacts", "invalid reference digest: %s", ref)
	}
	return raw, nil
}

func notFound(ref string) error {
	return contracts.E(contracts.KindNotFound, "artifacts", "bundle not found: %s", ref)
}

// FileStore keeps bundles as files in one directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.dir, raw+objectExt)
}

// Put implements Store. Writes go to a temp file that is renamed into place.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Digest(data)
	path := s.path(strings.TrimPrefix(ref, refPrefix))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return ref, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw))
	if os.IsNotExist(err) {
		return nil, notFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", ref, err)
	}
	return data, nil
}

// Exists implements Store.
func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(raw))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat bundle %s: %w", ref, err)
	}
}

// Delete implements Store. Deleting a missing bundle is not an error.
func (s *FileStore) Delete(_ context.Context, ref string) error {
	raw, err := parseRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Digest(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		s.objects[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	if _, err := parseRef(ref); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, notFound(ref)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	if _, err := parseRef(ref); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[ref]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	if _, err := parseRef(ref); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref)
	return nil
}
