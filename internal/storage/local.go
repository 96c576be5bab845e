package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperr "github.com/eesocial/eesocial/internal/errors"
)

// LocalStorage implements ObjectStorage using the local filesystem.
// Object paths use forward slashes and are resolved under basePath.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Put writes data through a temp file and rename so readers never see a
// partial object.
func (l *LocalStorage) Put(ctx context.Context, objectPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath, err := l.fullPath(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return apperr.NewStorageError(apperr.CodeUploadFailed, "failed to create object directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".put-*")
	if err != nil {
		return apperr.NewStorageError(apperr.CodeUploadFailed, "failed to create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.NewStorageError(apperr.CodeUploadFailed, "failed to write "+objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.NewStorageError(apperr.CodeUploadFailed, "failed to close "+objectPath, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return apperr.NewStorageError(apperr.CodeUploadFailed, "failed to rename "+objectPath, err)
	}
	return nil
}

// Get reads the object into memory.
func (l *LocalStorage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	srcPath, err := l.fullPath(objectPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, apperr.NewStorageError(apperr.CodeDownloadFailed, "failed to read "+objectPath, err)
	}
	return data, nil
}

// Download copies the object to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, err := l.fullPath(objectPath)
	if err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrObjectNotFound
		}
		return apperr.NewStorageError(apperr.CodeDownloadFailed, "failed to open "+objectPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return apperr.NewStorageError(apperr.CodeDownloadFailed, "failed to create destination directory", err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return apperr.NewStorageError(apperr.CodeDownloadFailed, "failed to create "+localPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return apperr.NewStorageError(apperr.CodeDownloadFailed, "failed to copy "+objectPath, err)
	}
	return nil
}

// Delete removes an object from local storage.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := l.fullPath(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return apperr.NewStorageError(apperr.CodeDeleteFailed, "failed to delete "+objectPath, err)
	}
	return nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, err := l.fullPath(objectPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperr.NewStorageError(apperr.CodeDownloadFailed, "failed to stat "+objectPath, err)
	}
	return true, nil
}

// ListObjects returns all objects under prefix.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchDir, err := l.fullPath(prefix)
	if err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	err = filepath.WalkDir(searchDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // prefix doesn't exist, return empty list
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, apperr.NewStorageError(apperr.CodeDownloadFailed, "failed to list "+prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

// fullPath resolves objectPath under basePath, rejecting paths that escape it.
func (l *LocalStorage) fullPath(objectPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + objectPath))
	full := filepath.Join(l.basePath, clean)
	rel, err := filepath.Rel(l.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.NewStorageError(apperr.CodeDownloadFailed, "object path escapes storage root: "+objectPath, nil)
	}
	return full, nil
}
