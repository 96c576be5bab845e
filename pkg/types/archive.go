package types

import "time"

// ArchiveRecord marks a source archive as fully ingested.
type ArchiveRecord struct {
	// Name is the archive file name without directory and extension
	Name string `json:"name" bson:"name"`

	// Size is the archive size in bytes at processing time
	Size int64 `json:"size" bson:"size"`

	// ModTime is the archive modification time at processing time
	ModTime time.Time `json:"modTime" bson:"modTime"`

	// Checksum is the content fingerprint; only set in content fingerprint mode
	Checksum string `json:"checksum,omitempty" bson:"checksum,omitempty"`

	// Events is the number of events inserted from the archive
	Events int `json:"events" bson:"events"`

	// ProcessedAt is when the archive record was written
	ProcessedAt time.Time `json:"processedAt" bson:"processedAt"`
}
