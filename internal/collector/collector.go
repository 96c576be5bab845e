// Package collector finds the archives a run should ingest.
package collector

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/internal/ingest"
	"github.com/eesocial/eesocial/internal/storage"
)

// ArchiveExt is the suffix of source archives, matched case-insensitively.
const ArchiveExt = ".zip"

// IsArchive reports whether name looks like a source archive.
func IsArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ArchiveExt)
}

// Collect walks root recursively and returns every archive below it in
// lexical path order.
func Collect(root string) ([]ingest.Archive, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, apperr.NewArchiveError(apperr.CodeStatFailed, "failed to stat source directory "+root, err)
	}
	if !info.IsDir() {
		return nil, apperr.NewArchiveError(apperr.CodeStatFailed, root+" is not a directory", nil)
	}

	var archives []ingest.Archive
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || !IsArchive(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		archives = append(archives, ingest.NewArchive(path, info))
		return nil
	})
	if err != nil {
		return nil, apperr.NewArchiveError(apperr.CodeStatFailed, "failed to walk "+root, err)
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Path < archives[j].Path })
	return archives, nil
}

// CollectRemote lists the archives under prefix in object storage, fetches
// the ones not already cached into cacheDir and returns them in object key
// order. Objects that fail to download are reported in the returned map and
// left out of the list.
func CollectRemote(ctx context.Context, src storage.ObjectStorage, prefix, cacheDir string, concurrency int) ([]ingest.Archive, map[string]error, error) {
	objects, err := src.ListObjects(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}

	var wanted []storage.ObjectInfo
	for _, obj := range objects {
		if IsArchive(obj.Path) {
			wanted = append(wanted, obj)
		}
	}

	fetched, err := storage.NewFetcher(src, concurrency, cacheDir).Fetch(ctx, wanted)
	if err != nil {
		return nil, nil, err
	}

	archives := make([]ingest.Archive, 0, len(fetched.LocalPaths))
	for _, obj := range wanted {
		local, ok := fetched.LocalPaths[obj.Path]
		if !ok {
			continue
		}
		a, err := ingest.Stat(local)
		if err != nil {
			fetched.Errors[obj.Path] = err
			continue
		}
		archives = append(archives, a)
	}
	return archives, fetched.Errors, nil
}
