// Package artifact persists rendered file bytes.
//
// Paths are the cleaned, slash-separated rendered paths of file records.
// Writes are atomic: a reader sees either the previous bytes or the new
// bytes, never a partial file.
package artifact

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrNotFound is returned by Get for a path with no stored artifact.
var ErrNotFound = errors.New("artifact not found")

// Store reads and writes artifacts by rendered path.
type Store interface {
	// Put stores data at p. It reports whether the stored bytes changed.
	Put(ctx context.Context, p string, data []byte) (changed bool, err error)
	Get(ctx context.Context, p string) ([]byte, error)

	// Fingerprint returns the Fingerprint of the bytes stored at p, or an
	// error wrapping ErrNotFound.
	Fingerprint(ctx context.Context, p string) (string, error)
}

// Fingerprint returns the xxHash64 of data as hex. It detects changes to a
// file between runs; it is not a content address.
func Fingerprint(data []byte) string {
	h := xxhash.New()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintReader streams r through xxHash64 and returns the hex digest.
func FingerprintReader(r io.Reader) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FS stores artifacts under a root directory.
type FS struct {
	root string
	perm os.FileMode
}

// NewFS returns a filesystem store rooted at root, creating it if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FS{root: root, perm: 0o644}, nil
}

// Root returns the store's root directory.
func (s *FS) Root() string { return s.root }

// Put writes data at p unless the file already holds identical bytes.
func (s *FS) Put(ctx context.Context, p string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return false, err
	}

	existing, err := os.ReadFile(full)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return false, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("read artifact %s: %w", p, err)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return false, fmt.Errorf("create artifact dir for %s: %w", p, err)
	}
	if err := atomicWriteFile(full, data, s.perm); err != nil {
		return false, fmt.Errorf("write artifact %s: %w", p, err)
	}
	return true, nil
}

// Get returns the bytes stored at p.
func (s *FS) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", p, err)
	}
	return data, nil
}

// Fingerprint streams the file at p through FingerprintReader.
func (s *FS) Fingerprint(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", p, err)
	}
	defer f.Close()

	fp, err := FingerprintReader(f)
	if err != nil {
		return "", fmt.Errorf("fingerprint artifact %s: %w", p, err)
	}
	return fp, nil
}

// resolve maps a rendered path to a file under root, rejecting paths that
// would escape it.
func (s *FS) resolve(p string) (string, error) {
	if p == "" {
		return "", errors.New("artifact path is empty")
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("artifact path %q escapes the store root", p)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// atomicWriteFile writes content to a temp file in the destination
// directory and renames it over path.
func atomicWriteFile(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Memory is an in-memory Store for tests and dry runs.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, p string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.files[p]; ok && bytes.Equal(old, data) {
		return false, nil
	}
	m.files[p] = slices.Clone(data)
	return true, nil
}

func (m *Memory) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return slices.Clone(data), nil
}

func (m *Memory) Fingerprint(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[p]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return Fingerprint(data), nil
}

// Paths returns the stored paths, sorted.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
