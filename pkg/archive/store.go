// Package archive keeps generated safety reports in content-addressed storage.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const hashPrefix = "sha256:"

// ErrNotFound is returned when no report is archived under a digest.
var ErrNotFound = errors.New("archive: report not found")

// Store is content-addressed storage for serialized reports.
type Store interface {
	// Put persists data and returns its digest ("sha256:<hex>"). Storing the
	// same bytes twice yields the same digest and a single object.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// Digest returns the archive digest for data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// objectName validates a digest and returns the object name it maps to.
func objectName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length: %s", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return raw + ".json", nil
}

// FileStore keeps reports as files under a directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	//nolint:gosec // reports are readable by operators
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	digest := Digest(data)
	name, _ := objectName(digest)
	path := filepath.Join(s.dir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit report: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	name, err := objectName(digest)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name)) //nolint:gosec // name is validated hex
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("read report %s: %w", digest, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	name, err := objectName(digest)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.dir, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat report %s: %w", digest, err)
	}
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	name, err := objectName(digest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete report %s: %w", digest, err)
	}
	return nil
}
