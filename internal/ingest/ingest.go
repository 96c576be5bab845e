package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/eesocial/eesocial/internal/bloom"
	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/internal/storage"
	"github.com/eesocial/eesocial/internal/store"
	"github.com/eesocial/eesocial/internal/xmltree"
	"github.com/eesocial/eesocial/pkg/types"
	"github.com/golang/snappy"
)

// Options configures an Ingestor.
type Options struct {
	// Fingerprint decides when an archive counts as already processed
	Fingerprint FingerprintMode

	// RetainRaw stores each new document's raw XML in object storage
	RetainRaw bool

	// EnvelopePath locates the submitted event below the document root
	EnvelopePath xmltree.Path

	// ResponsePath locates the acknowledgment below the document root
	ResponsePath xmltree.Path
}

// DefaultOptions returns the options for the standard download layout.
func DefaultOptions() Options {
	return Options{
		Fingerprint:  FingerprintNameSize,
		EnvelopePath: xmltree.EnvelopePath,
		ResponsePath: xmltree.ResponsePath,
	}
}

// Result describes the outcome of ingesting one archive.
type Result struct {
	Archive  string
	Skipped  bool // archive fingerprint already recorded
	Inserted int  // new events written
	Existing int  // event entries whose id was already stored
	Ignored  int  // entries that are not event documents
	Retained int  // raw documents written to object storage
}

// Ingestor turns archives into stored events. It holds no per-archive state.
type Ingestor struct {
	store  store.Store
	raw    storage.ObjectStorage
	known  *bloom.Filter
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates an ingestor writing to st.
func New(st store.Store, opts Options, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = FingerprintNameSize
	}
	if len(opts.EnvelopePath) == 0 {
		opts.EnvelopePath = xmltree.EnvelopePath
	}
	if len(opts.ResponsePath) == 0 {
		opts.ResponsePath = xmltree.ResponsePath
	}
	return &Ingestor{
		store:  st,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// WithRawStorage sets the object storage used when RetainRaw is enabled.
func (i *Ingestor) WithRawStorage(s storage.ObjectStorage) *Ingestor {
	i.raw = s
	return i
}

// LoadKnownIDs builds a bloom filter of every stored event id. Afterwards
// ids the filter has never seen skip the store existence query.
func (i *Ingestor) LoadKnownIDs(ctx context.Context, expected int, fpr float64) error {
	n, err := i.store.CountEvents(ctx, nil)
	if err != nil {
		return err
	}
	if int(n) > expected {
		expected = int(n) * 2
	}

	known := bloom.NewWithEstimates(expected, fpr)
	if err := i.store.EventIDs(ctx, func(id string) error {
		known.Add(id)
		return nil
	}); err != nil {
		return err
	}
	i.known = known
	i.logger.Debug("loaded known event ids", "count", known.Count(), "bits", known.NumBits(), "hashes", known.NumHashes())
	return nil
}

// Ingest processes one archive. Events are inserted in a single batch and the
// archive record is written last, so a failed archive is retried in full on
// the next run.
func (i *Ingestor) Ingest(ctx context.Context, a Archive) (Result, error) {
	res := Result{Archive: a.Name}

	filter, checksum, err := a.fingerprint(i.opts.Fingerprint)
	if err != nil {
		return res, err
	}
	if _, err := i.store.FindArchive(ctx, filter); err == nil {
		res.Skipped = true
		i.logger.Debug("archive already processed", "archive", a.Path)
		return res, nil
	} else if !apperr.IsNotFound(err) {
		return res, err
	}

	i.logger.Info("processing archive", "archive", a.Path)

	zr, err := zip.OpenReader(a.Path)
	if err != nil {
		return res, apperr.NewArchiveError(apperr.CodeOpenFailed, "failed to open "+a.Path, err)
	}
	defer zr.Close()

	var events []*types.Event
	raws := make(map[string][]byte)
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		id, code, ok := parseEntryName(f.Name)
		if !ok {
			res.Ignored++
			continue
		}

		exists, err := i.eventExists(ctx, id)
		if err != nil {
			return res, err
		}
		if exists {
			res.Existing++
			continue
		}

		data, err := readEntry(f)
		if err != nil {
			return res, fmt.Errorf("archive %s: %w", a.Name, err)
		}
		evt, err := i.buildEvent(data, id, code, a.Name)
		if err != nil {
			return res, fmt.Errorf("archive %s: entry %s: %w", a.Name, f.Name, err)
		}
		events = append(events, evt)
		if i.opts.RetainRaw && i.raw != nil {
			raws[rawKey(code, id)] = data
		}
	}

	// Raw copies are written before the events so every stored event has one.
	for key, data := range raws {
		if err := i.raw.Put(ctx, key, snappy.Encode(nil, data)); err != nil {
			return res, fmt.Errorf("archive %s: %w", a.Name, err)
		}
		res.Retained++
	}

	// An ordered batch can fail part way with earlier events stored, so the
	// filter learns every id of the batch. Extra hits are confirmed in the store.
	err = i.store.InsertEvents(ctx, events)
	if i.known != nil {
		for _, evt := range events {
			i.known.Add(evt.ID)
		}
	}
	if err != nil {
		return res, fmt.Errorf("archive %s: %w", a.Name, err)
	}
	res.Inserted = len(events)

	if err := i.store.InsertArchive(ctx, a.record(checksum, len(events), i.now())); err != nil {
		return res, fmt.Errorf("archive %s: %w", a.Name, err)
	}

	i.logger.Info("archive processed", "archive", a.Name, "inserted", res.Inserted, "existing", res.Existing, "ignored", res.Ignored)
	return res, nil
}

// eventExists consults the bloom filter first; only a possible hit costs a
// store query.
func (i *Ingestor) eventExists(ctx context.Context, id string) (bool, error) {
	if i.known != nil && !i.known.MayContain(id) {
		return false, nil
	}
	n, err := i.store.CountEvents(ctx, store.Where(store.Eq(types.FieldID, id)))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// buildEvent parses one event document.
func (i *Ingestor) buildEvent(data []byte, id, code, archive string) (*types.Event, error) {
	doc, err := xmltree.Parse(data)
	if err != nil {
		return nil, err
	}
	root := doc.Root()

	envelope, err := xmltree.Find(root, i.opts.EnvelopePath)
	if err != nil {
		return nil, err
	}
	response, err := xmltree.Find(root, i.opts.ResponsePath)
	if err != nil {
		return nil, err
	}

	return &types.Event{
		ID:         id,
		Table:      xmltree.LocalName(envelope),
		Code:       code,
		Archive:    archive,
		Envelope:   xmltree.Flatten(envelope).Document(),
		Response:   xmltree.Flatten(response).Document(),
		IngestedAt: i.now().UTC(),
	}, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, apperr.NewArchiveError(apperr.CodeEntryFailed, "failed to open entry "+f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.NewArchiveError(apperr.CodeEntryFailed, "failed to read entry "+f.Name, err)
	}
	return data, nil
}
