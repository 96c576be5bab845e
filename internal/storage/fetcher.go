package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fetcher downloads objects into a local cache directory in parallel.
// An object whose cached copy already has the listed size is not fetched again.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
	cacheDir    string
}

// FetchResult contains the outcome of a Fetch.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewFetcher creates a fetcher writing under cacheDir.
func NewFetcher(storage ObjectStorage, concurrency int, cacheDir string) *Fetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Fetcher{
		storage:     storage,
		concurrency: concurrency,
		cacheDir:    cacheDir,
	}
}

// Fetch downloads objects. Per-object failures are reported in
// FetchResult.Errors; the returned error is only set for a cancelled context.
func (f *Fetcher) Fetch(ctx context.Context, objects []ObjectInfo) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}

	var queue []ObjectInfo
	for _, obj := range objects {
		local := f.LocalPath(obj.Path)
		if info, err := os.Stat(local); err == nil && info.Size() == obj.Size {
			result.LocalPaths[obj.Path] = local
			result.CacheHits++
			continue
		}
		queue = append(queue, obj)
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, obj := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, fmt.Errorf("fetch cancelled: %w", err)
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			err := f.storage.Download(ctx, path, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.LocalPaths[path] = local
			result.Downloads++
		}(obj.Path, f.LocalPath(obj.Path))
	}

	wg.Wait()
	return result, nil
}

// LocalPath returns the cache location for objectPath. The object's key
// layout is kept so equal names under different prefixes do not collide.
func (f *Fetcher) LocalPath(objectPath string) string {
	clean := filepath.Clean(filepath.FromSlash("/" + objectPath))
	return filepath.Join(f.cacheDir, clean)
}
