package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStorage keeps objects as files under baseDir. Writes go to a temp file
// first and are renamed into place, so readers never see a partial object.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage resolves baseDir to an absolute path and creates it.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		return nil, ErrInvalidConfig
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToGetAbsolutePath, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToCreateDirectory, err)
	}
	return &LocalStorage{baseDir: abs}, nil
}

func (s *LocalStorage) Put(ctx context.Context, key string, body []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToCreateDirectory, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToReadFile, err)
	}
	return body, nil
}

func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFailedToReadFile, err)
	}
	return !info.IsDir(), nil
}

func (s *LocalStorage) resolve(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
