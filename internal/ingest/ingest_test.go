package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/internal/storage"
	"github.com/eesocial/eesocial/internal/store"
	"github.com/eesocial/eesocial/pkg/types"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func admission(n int, receipt string) entry {
	return entry{
		name: entryName(n, "2200"),
		body: eventXML(eventID(n), "evtAdmissao", receipt, `<ideEvento><indRetif>1</indRetif></ideEvento>`),
	}
}

func TestIngest_InsertsEvents(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "lote-01.zip")
	writeArchive(t, path,
		admission(1, "1.1.0000000000000000001"),
		entry{name: "leiame.txt", body: "not an event"},
		entry{name: entryName(9, "2200") + ".bak", body: "backup"},
		entry{
			name: entryName(2, "3000"),
			body: eventXML(eventID(2), "evtExclusao", "1.1.0000000000000000002",
				`<infoExclusao><tpEvento>S-2200</tpEvento><nrRecEvt>1.1.0000000000000000001</nrRecEvt></infoExclusao>`),
		},
	)

	ing := New(st, DefaultOptions(), quietLogger)
	res, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, res.Ignored)
	assert.Equal(t, 0, res.Existing)

	evt, err := st.FindEvent(ctx, store.Where(store.Eq(types.FieldID, eventID(2))))
	require.NoError(t, err)
	assert.Equal(t, types.TableExclusion, evt.Table)
	assert.Equal(t, "S-3000", evt.Code)
	assert.Equal(t, "lote-01", evt.Archive)
	assert.Equal(t, "1.1.0000000000000000002", evt.Receipt())
	ref, ok := evt.Envelope.String("infoExclusao.nrRecEvt")
	require.True(t, ok)
	assert.Equal(t, "1.1.0000000000000000001", ref)
	_, hasSig := evt.Envelope["Signature"]
	assert.False(t, hasSig)

	rec, err := st.FindArchive(ctx, store.Where(store.Eq("name", "lote-01")))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Events)
	assert.Empty(t, rec.Checksum)
}

func TestIngest_ArchiveIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "lote.zip")
	writeArchive(t, path, admission(1, "R1"), admission(2, "R2"))

	ing := New(st, DefaultOptions(), quietLogger)
	_, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Inserted)

	n, err := st.CountEvents(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIngest_PerEventIdempotency(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "a.zip")
	second := filepath.Join(dir, "b.zip")
	writeArchive(t, first, admission(1, "R1"))
	writeArchive(t, second, admission(1, "R1"), admission(2, "R2"))

	for _, withBloom := range []bool{false, true} {
		st := st
		if withBloom {
			st = openStore(t)
		}
		ing := New(st, DefaultOptions(), quietLogger)
		_, err := ing.Ingest(ctx, statArchive(t, first))
		require.NoError(t, err)
		if withBloom {
			require.NoError(t, ing.LoadKnownIDs(ctx, 100, 0.01))
		}

		res, err := ing.Ingest(ctx, statArchive(t, second))
		require.NoError(t, err, "bloom=%v", withBloom)
		assert.Equal(t, 1, res.Existing, "bloom=%v", withBloom)
		assert.Equal(t, 1, res.Inserted, "bloom=%v", withBloom)

		n, err := st.CountEvents(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "bloom=%v", withBloom)
	}
}

func TestIngest_BloomLearnsInsertedIDs(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	dir := t.TempDir()

	ing := New(st, DefaultOptions(), quietLogger)
	require.NoError(t, ing.LoadKnownIDs(ctx, 10, 0.01))

	writeArchive(t, filepath.Join(dir, "a.zip"), admission(1, "R1"))
	writeArchive(t, filepath.Join(dir, "b.zip"), admission(1, "R1"))

	_, err := ing.Ingest(ctx, statArchive(t, filepath.Join(dir, "a.zip")))
	require.NoError(t, err)
	res, err := ing.Ingest(ctx, statArchive(t, filepath.Join(dir, "b.zip")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Existing)
	assert.Zero(t, res.Inserted)
}

// orderedStore inserts events one at a time without a transaction, so a
// failing batch keeps the events before the failure, as an ordered
// InsertMany does.
type orderedStore struct {
	*store.SQLiteStore
}

func (s orderedStore) InsertEvents(ctx context.Context, events []*types.Event) error {
	for _, evt := range events {
		if err := s.SQLiteStore.InsertEvents(ctx, []*types.Event{evt}); err != nil {
			return err
		}
	}
	return nil
}

func TestIngest_BloomLearnsPartialBatch(t *testing.T) {
	ctx := context.Background()
	st := orderedStore{openStore(t)}
	dir := t.TempDir()

	writeArchive(t, filepath.Join(dir, "pre.zip"), admission(9, "RX"))
	writeArchive(t, filepath.Join(dir, "a.zip"), admission(1, "R1"), admission(2, "RX"))
	writeArchive(t, filepath.Join(dir, "b.zip"), admission(1, "R1"))

	ing := New(st, DefaultOptions(), quietLogger)
	_, err := ing.Ingest(ctx, statArchive(t, filepath.Join(dir, "pre.zip")))
	require.NoError(t, err)
	require.NoError(t, ing.LoadKnownIDs(ctx, 10, 0.01))

	_, err = ing.Ingest(ctx, statArchive(t, filepath.Join(dir, "a.zip")))
	require.Error(t, err)
	require.True(t, apperr.IsDuplicateKey(err))
	n, err := st.CountEvents(ctx, store.Where(store.Eq(types.FieldID, eventID(1))))
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "events before the failure stay stored")

	res, err := ing.Ingest(ctx, statArchive(t, filepath.Join(dir, "b.zip")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Existing)
	assert.Zero(t, res.Inserted)
}

func TestIngest_ParseFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "broken.zip")
	writeArchive(t, path,
		admission(1, "R1"),
		entry{name: entryName(2, "2200"), body: "<eSocial><unclosed></eSocial>"},
	)

	ing := New(st, DefaultOptions(), quietLogger)
	_, err := ing.Ingest(ctx, statArchive(t, path))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeParseFailed, apperr.GetCode(err))
	assert.Contains(t, err.Error(), entryName(2, "2200"))

	_, err = st.FindArchive(ctx, store.Where(store.Eq("name", "broken")))
	assert.True(t, apperr.IsNotFound(err))
	n, err := st.CountEvents(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "no event of a failed archive is inserted")
}

func TestIngest_InvalidUTF8(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "latin1.zip")
	writeArchive(t, path, entry{name: entryName(1, "2200"), body: "<a>\xe7\xe3o</a>"})

	_, err := New(st, DefaultOptions(), quietLogger).Ingest(ctx, statArchive(t, path))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDecodeFailed, apperr.GetCode(err))
}

func TestIngest_MissingResponse(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "partial.zip")
	writeArchive(t, path, entry{
		name: entryName(1, "2200"),
		body: `<eSocial><retornoProcessamentoDownload><evento><eSocial><evtAdmissao/></eSocial></evento></retornoProcessamentoDownload></eSocial>`,
	})

	_, err := New(st, DefaultOptions(), quietLogger).Ingest(ctx, statArchive(t, path))
	require.Error(t, err)
	assert.Equal(t, apperr.CodePathNotFound, apperr.GetCode(err))
}

func TestIngest_DuplicateReceiptAbortsBatch(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "dup.zip")
	writeArchive(t, path, admission(1, "R1"), admission(2, "R1"))

	_, err := New(st, DefaultOptions(), quietLogger).Ingest(ctx, statArchive(t, path))
	require.Error(t, err)
	assert.True(t, apperr.IsDuplicateKey(err))
	assert.False(t, apperr.IsRetryable(err))

	n, err := st.CountEvents(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = st.FindArchive(ctx, store.Where(store.Eq("name", "dup")))
	assert.True(t, apperr.IsNotFound(err))
}

func TestIngest_EmptyArchiveIsRecorded(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "empty.zip")
	writeArchive(t, path, entry{name: "leiame.txt", body: "nothing"})

	ing := New(st, DefaultOptions(), quietLogger)
	res, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)

	res, err = ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestIngest_FingerprintNameSizeIgnoresContent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "lote.zip")
	writeArchive(t, path, admission(1, "R1"))

	ing := New(st, DefaultOptions(), quietLogger)
	_, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)

	// Same length, different content
	writeArchive(t, path, admission(2, "R2"))
	res, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestIngest_FingerprintContent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "lote.zip")
	writeArchive(t, path, admission(1, "R1"))

	opts := DefaultOptions()
	opts.Fingerprint = FingerprintContent
	ing := New(st, opts, quietLogger)

	_, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	rec, err := st.FindArchive(ctx, store.Where(store.Eq("name", "lote")))
	require.NoError(t, err)
	assert.Len(t, rec.Checksum, 32)

	res, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	writeArchive(t, path, admission(2, "R2"))
	res, err = ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Inserted)
}

func TestIngest_FingerprintNameSizeMTime(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "lote.zip")
	writeArchive(t, path, admission(1, "R1"))
	require.NoError(t, os.Chtimes(path, time.Now(), time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)))

	opts := DefaultOptions()
	opts.Fingerprint = FingerprintNameSizeMTime
	ing := New(st, opts, quietLogger)

	_, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	require.NoError(t, os.Chtimes(path, time.Now(), time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)))
	res, err = ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Existing)
	assert.Zero(t, res.Inserted)
}

func TestIngest_RetainRaw(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	raw, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "lote.zip")
	e := admission(7, "R7")
	writeArchive(t, path, e)

	opts := DefaultOptions()
	opts.RetainRaw = true
	ing := New(st, opts, quietLogger).WithRawStorage(raw)

	res, err := ing.Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retained)

	compressed, err := raw.Get(ctx, "raw/S-2200/"+eventID(7)+".xml.sz")
	require.NoError(t, err)
	decoded, err := snappy.Decode(nil, compressed)
	require.NoError(t, err)
	assert.Equal(t, e.body, string(decoded))
}

func TestIngest_CustomPaths(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "flat.zip")
	writeArchive(t, path, entry{
		name: entryName(1, "1000"),
		body: `<doc><env><evtInfoEmpregador><ideEvento><tpAmb>1</tpAmb></ideEvento></evtInfoEmpregador></env><ack><retornoEvento><recibo><nrRecibo>R1</nrRecibo></recibo></retornoEvento></ack></doc>`,
	})

	opts := DefaultOptions()
	opts.EnvelopePath = []string{"env", "*"}
	opts.ResponsePath = []string{"ack", "retornoEvento"}
	_, err := New(st, opts, quietLogger).Ingest(ctx, statArchive(t, path))
	require.NoError(t, err)

	evt, err := st.FindEvent(ctx, store.Where(store.Eq(types.FieldReceipt, "R1")))
	require.NoError(t, err)
	assert.Equal(t, "evtInfoEmpregador", evt.Table)
}

func TestIngest_OpenFailure(t *testing.T) {
	st := openStore(t)
	path := filepath.Join(t.TempDir(), "notazip.zip")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0644))

	_, err := New(st, DefaultOptions(), quietLogger).Ingest(context.Background(), statArchive(t, path))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOpenFailed, apperr.GetCode(err))
}
