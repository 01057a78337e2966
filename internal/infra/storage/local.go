package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// Local stores artifacts on the filesystem under Root. Artifact paths are
// relative ("reports/...") and are joined onto Root.
type Local struct {
	Root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		root = "."
	}
	// pastikan root ada
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Local{Root: root}, nil
}

func (s *Local) abs(p string) string {
	return filepath.Join(s.Root, filepath.FromSlash(p))
}

// Write overwrites the artifact (idempotent) via temp file + rename.
func (s *Local) Write(ctx context.Context, key domain.ArtifactKey, filename string, data []byte) (string, error) {
	p := domain.Locate(key, filename)
	full := s.abs(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", &domain.ArtifactError{Op: "write", Path: p, Err: err}
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", &domain.ArtifactError{Op: "write", Path: p, Err: err}
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", &domain.ArtifactError{Op: "write", Path: p, Err: err}
	}
	return p, nil
}

// Append creates the file when missing.
func (s *Local) Append(ctx context.Context, key domain.ArtifactKey, filename string, data []byte) (string, error) {
	p := domain.Locate(key, filename)
	full := s.abs(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", &domain.ArtifactError{Op: "append", Path: p, Err: err}
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &domain.ArtifactError{Op: "append", Path: p, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", &domain.ArtifactError{Op: "append", Path: p, Err: err}
	}
	return p, nil
}

func (s *Local) Read(ctx context.Context, p string) ([]byte, error) {
	b, err := os.ReadFile(s.abs(p))
	if err != nil {
		return nil, wrapNotFound("read", p, err)
	}
	return b, nil
}

// ReadFrom returns the bytes at and after offset.
func (s *Local) ReadFrom(ctx context.Context, p string, offset int64) ([]byte, error) {
	f, err := os.Open(s.abs(p))
	if err != nil {
		return nil, wrapNotFound("read", p, err)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, &domain.ArtifactError{Op: "seek", Path: p, Err: err}
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, &domain.ArtifactError{Op: "read", Path: p, Err: err}
	}
	return b, nil
}

func (s *Local) Size(ctx context.Context, p string) (int64, error) {
	info, err := os.Stat(s.abs(p))
	if err != nil {
		return 0, wrapNotFound("stat", p, err)
	}
	return info.Size(), nil
}

func (s *Local) Exists(ctx context.Context, p string) (bool, error) {
	_, err := os.Stat(s.abs(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &domain.ArtifactError{Op: "stat", Path: p, Err: err}
}

// DeleteAll removes the task's artifact directory.
func (s *Local) DeleteAll(ctx context.Context, key domain.ArtifactKey) error {
	dir := key.Dir()
	if err := os.RemoveAll(s.abs(dir)); err != nil {
		return &domain.ArtifactError{Op: "delete", Path: dir, Err: err}
	}
	return nil
}

// Check is used by the health endpoint.
func (s *Local) Check(ctx context.Context) error {
	_, err := os.Stat(s.Root)
	return err
}

func wrapNotFound(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &domain.ArtifactError{Op: op, Path: p, Err: domain.ErrArtifactNotFound}
	}
	return &domain.ArtifactError{Op: op, Path: p, Err: err}
}
