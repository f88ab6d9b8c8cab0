// Package artifacts stores audit evidence packs in content-addressed blob
// storage. A pack is addressed by the SHA-256 of its bytes, so storing the
// same pack twice is a no-op and a reference doubles as an integrity check.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RefPrefix prefixes every content reference.
const RefPrefix = "sha256:"

var (
	// ErrNotFound is returned when no blob exists for a reference.
	ErrNotFound = errors.New("artifacts: not found")
	// ErrInvalidRef is returned for references that are not "sha256:<hex>".
	ErrInvalidRef = errors.New("artifacts: invalid reference")
)

// Store is content-addressed blob storage for evidence packs.
type Store interface {
	// Put persists data and returns its reference, "sha256:<hex>".
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob for ref.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a blob for ref is stored.
	Exists(ctx context.Context, ref string) (bool, error)
}

// Ref computes the reference of data without storing it.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// digest validates ref and returns its hex part.
func digest(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return raw, nil
}

// objectKey is the blob name used by every backend.
func objectKey(prefix, hexDigest string) string {
	return prefix + hexDigest + ".zip"
}

// FileStore keeps blobs in a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: evidence directory is shared with the export tooling
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)
	path := filepath.Join(s.baseDir, objectKey("", strings.TrimPrefix(ref, RefPrefix)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmpPath := path + ".tmp"
	//nolint:gosec // G306: packs are readable by reviewers
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", ref, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("artifacts: commit %s: %w", ref, err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	raw, err := digest(ref)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, objectKey("", raw))) //nolint:gosec // digest validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("artifacts: open %s: %w", ref, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	raw, err := digest(ref)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectKey("", raw)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat %s: %w", ref, err)
}
