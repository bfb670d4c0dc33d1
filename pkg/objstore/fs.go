package objstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
)

const tmpMarker = ".tmp."

// FS keeps objects as files below a base directory.
type FS struct {
	basePath string
}

func NewFS(basePath string) (*FS, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get absolute path")
	}

	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create base directory")
	}

	logger.Infof("local object store at %s", absPath)

	return &FS{basePath: absPath}, nil
}

func (c *FS) path(key string) (string, error) {
	cleanKey := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleanKey) {
		return "", errors.Errorf("absolute paths not allowed in key: %s", key)
	}

	fullPath := filepath.Join(c.basePath, cleanKey)

	rel, err := filepath.Rel(c.basePath, fullPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("invalid key path: %s", key)
	}

	return fullPath, nil
}

// Put writes to a temporary file and renames it into place, so readers never
// see a partial object.
func (c *FS) Put(_ context.Context, key string, data []byte) error {
	fullPath, err := c.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", key)
	}

	tmpFile := fmt.Sprintf("%s%s%d", fullPath, tmpMarker, time.Now().UnixNano())

	if err := writeSynced(tmpFile, data); err != nil {
		os.Remove(tmpFile)
		return err
	}

	if err := os.Rename(tmpFile, fullPath); err != nil {
		os.Remove(tmpFile)
		return errors.Wrap(err, "failed to rename file")
	}

	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write temporary file")
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to sync temporary file")
	}

	return f.Close()
}

func (c *FS) Get(_ context.Context, key string) ([]byte, error) {
	fullPath, err := c.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrNotFound, key)
	}

	return data, err
}

func (c *FS) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(c.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() || strings.Contains(d.Name(), tmpMarker) {
			return nil
		}

		rel, err := filepath.Rel(c.basePath, path)
		if err != nil {
			return err
		}

		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}

	sort.Strings(keys)

	return keys, nil
}

func (c *FS) Close() error {
	return nil
}
