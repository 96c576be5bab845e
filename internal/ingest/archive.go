// Package ingest reads eSocial download archives into the event store.
package ingest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/internal/store"
	"github.com/eesocial/eesocial/pkg/types"
	"github.com/spaolacci/murmur3"
)

// FingerprintMode selects which archive attributes decide that an archive
// was already processed.
type FingerprintMode string

const (
	// FingerprintNameSize matches on file stem and size.
	FingerprintNameSize FingerprintMode = "name-size"
	// FingerprintNameSizeMTime also requires the same modification time.
	FingerprintNameSizeMTime FingerprintMode = "name-size-mtime"
	// FingerprintContent matches on file stem and a checksum of the bytes.
	FingerprintContent FingerprintMode = "content"
)

// Valid reports whether m is a known mode.
func (m FingerprintMode) Valid() bool {
	switch m {
	case FingerprintNameSize, FingerprintNameSizeMTime, FingerprintContent:
		return true
	}
	return false
}

// Archive is a source archive as observed on disk.
type Archive struct {
	// Path is the archive location on the local filesystem
	Path string
	// Name is the file name without directory and extension
	Name string
	// Size is the file size in bytes
	Size int64
	// ModTime is the modification time, UTC, truncated to milliseconds
	ModTime time.Time
}

// Stat builds an Archive from the file at path.
func Stat(path string) (Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Archive{}, apperr.NewArchiveError(apperr.CodeStatFailed, "failed to stat "+path, err)
	}
	if info.IsDir() {
		return Archive{}, apperr.NewArchiveError(apperr.CodeStatFailed, path+" is a directory", nil)
	}
	return NewArchive(path, info), nil
}

// NewArchive builds an Archive from already known file info.
func NewArchive(path string, info os.FileInfo) Archive {
	base := filepath.Base(path)
	return Archive{
		Path:    path,
		Name:    strings.TrimSuffix(base, filepath.Ext(base)),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC().Truncate(time.Millisecond),
	}
}

// String returns the archive path.
func (a Archive) String() string {
	return a.Path
}

// Checksum returns the hex murmur3-128 digest of the archive bytes.
func (a Archive) Checksum() (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", apperr.NewArchiveError(apperr.CodeChecksumFail, "failed to open "+a.Path, err)
	}
	defer f.Close()

	h := murmur3.New128()
	if _, err := io.Copy(h, f); err != nil {
		return "", apperr.NewArchiveError(apperr.CodeChecksumFail, "failed to read "+a.Path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// fingerprint returns the archive-record filter for mode, and the checksum
// when mode needs one.
func (a Archive) fingerprint(mode FingerprintMode) (store.Filter, string, error) {
	switch mode {
	case FingerprintNameSize, "":
		return store.Where(store.Eq("name", a.Name), store.Eq("size", a.Size)), "", nil
	case FingerprintNameSizeMTime:
		return store.Where(store.Eq("name", a.Name), store.Eq("size", a.Size), store.Eq("modTime", a.ModTime)), "", nil
	case FingerprintContent:
		sum, err := a.Checksum()
		if err != nil {
			return nil, "", err
		}
		return store.Where(store.Eq("name", a.Name), store.Eq("checksum", sum)), sum, nil
	default:
		return nil, "", apperr.NewConfigError(fmt.Sprintf("unknown fingerprint mode %q", mode))
	}
}

// record builds the archive record written after a successful ingest.
func (a Archive) record(checksum string, events int, now time.Time) *types.ArchiveRecord {
	return &types.ArchiveRecord{
		Name:        a.Name,
		Size:        a.Size,
		ModTime:     a.ModTime,
		Checksum:    checksum,
		Events:      events,
		ProcessedAt: now.UTC(),
	}
}
