package store

import (
	"context"
	"testing"
	"time"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(id, table, receipt string) *types.Event {
	evt := &types.Event{
		ID:         id,
		Table:      table,
		Envelope:   types.Document{"ideEvento": map[string]any{"tpAmb": "1"}},
		Response:   types.Document{},
		IngestedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if receipt != "" {
		evt.Response["recibo"] = map[string]any{"nrRecibo": receipt}
	}
	return evt
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("InsertAndFind", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.InsertEvents(ctx, []*types.Event{
			newEvent("ID1", "evtAdmissao", "R1"),
			newEvent("ID2", types.TableExclusion, "R2"),
		}))

		evt, err := s.FindEvent(ctx, Where(Eq(types.FieldReceipt, "R1")))
		require.NoError(t, err)
		assert.Equal(t, "ID1", evt.ID)
		assert.Equal(t, "evtAdmissao", evt.Table)
		assert.Equal(t, "R1", evt.Receipt())
		tp, ok := evt.Envelope.String("ideEvento.tpAmb")
		assert.True(t, ok)
		assert.Equal(t, "1", tp)

		events, err := s.FindEvents(ctx, Where(Eq(types.FieldTable, types.TableExclusion)))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "ID2", events[0].ID)

		n, err := s.CountEvents(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("FindEventNotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.FindEvent(ctx, Where(Eq(types.FieldID, "missing")))
		require.Error(t, err)
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("DuplicateIDAbortsBatch", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.InsertEvents(ctx, []*types.Event{newEvent("ID1", "evtAdmissao", "R1")}))

		err := s.InsertEvents(ctx, []*types.Event{newEvent("ID1", "evtAdmissao", "R9")})
		require.Error(t, err)
		assert.True(t, apperr.IsDuplicateKey(err))
		assert.False(t, apperr.IsRetryable(err))
	})

	t.Run("DuplicateReceiptRejected", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.InsertEvents(ctx, []*types.Event{newEvent("ID1", "evtAdmissao", "R1")}))

		err := s.InsertEvents(ctx, []*types.Event{newEvent("ID2", "evtAdmissao", "R1")})
		require.Error(t, err)
		assert.True(t, apperr.IsDuplicateKey(err))
	})

	t.Run("MissingReceiptsDoNotCollide", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.InsertEvents(ctx, []*types.Event{
			newEvent("ID1", "evtAdmissao", ""),
			newEvent("ID2", "evtAdmissao", ""),
		}))
		n, err := s.CountEvents(ctx, Where(Absent(types.FieldReceipt)))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("ExistsAndAbsent", func(t *testing.T) {
		s := open(t)
		rect := newEvent("ID2", "evtAdmissao", "R2")
		rect.Envelope["ideEvento"] = map[string]any{"indRetif": "2", "nrRecibo": "R1"}
		require.NoError(t, s.InsertEvents(ctx, []*types.Event{newEvent("ID1", "evtAdmissao", "R1"), rect}))

		events, err := s.FindEvents(ctx, Where(Exists("envelope.ideEvento.nrRecibo"), Absent(types.FieldResolved)))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "ID2", events[0].ID)
	})

	t.Run("UpdateEvents", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.InsertEvents(ctx, []*types.Event{
			newEvent("ID1", "evtAdmissao", "R1"),
			newEvent("ID2", types.TableExclusion, "R2"),
		}))

		n, err := s.UpdateEvents(ctx, []Update{
			{Filter: Where(Eq(types.FieldReceipt, "R1"), Absent(types.FieldExcludedBy)), Set: map[string]any{types.FieldExcludedBy: "R2"}},
			{Filter: Where(Eq(types.FieldID, "ID2")), Set: map[string]any{types.FieldResolved: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		target, err := s.FindEvent(ctx, Where(Eq(types.FieldID, "ID1")))
		require.NoError(t, err)
		assert.Equal(t, "R2", target.ExcludedBy)
		assert.Equal(t, "R1", target.Receipt(), "update must keep the rest of the document")

		excl, err := s.FindEvent(ctx, Where(Eq(types.FieldID, "ID2")))
		require.NoError(t, err)
		assert.True(t, excl.Resolved)

		resolved, err := s.CountEvents(ctx, Where(Eq(types.FieldResolved, true)))
		require.NoError(t, err)
		assert.Equal(t, int64(1), resolved)

		// the guard keeps the first link
		n, err = s.UpdateEvents(ctx, []Update{
			{Filter: Where(Eq(types.FieldReceipt, "R1"), Absent(types.FieldExcludedBy)), Set: map[string]any{types.FieldExcludedBy: "R3"}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("UpdateRejectsBadField", func(t *testing.T) {
		s := open(t)
		_, err := s.UpdateEvents(ctx, []Update{
			{Filter: Where(Eq("id'; DROP TABLE events;--", "x")), Set: map[string]any{"resolved": true}},
		})
		require.Error(t, err)
		assert.Equal(t, apperr.CodeInvalidField, apperr.GetCode(err))
	})

	t.Run("EventIDs", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.InsertEvents(ctx, []*types.Event{
			newEvent("ID1", "evtAdmissao", "R1"),
			newEvent("ID2", "evtAdmissao", "R2"),
		}))

		var ids []string
		require.NoError(t, s.EventIDs(ctx, func(id string) error {
			ids = append(ids, id)
			return nil
		}))
		assert.Equal(t, []string{"ID1", "ID2"}, ids)
	})

	t.Run("Archives", func(t *testing.T) {
		s := open(t)
		mtime := time.Date(2024, 5, 1, 8, 30, 0, 123000000, time.UTC)
		require.NoError(t, s.InsertArchive(ctx, &types.ArchiveRecord{
			Name:        "download-2024-05",
			Size:        2048,
			ModTime:     mtime,
			Events:      3,
			ProcessedAt: time.Now().UTC(),
		}))

		rec, err := s.FindArchive(ctx, Where(Eq("name", "download-2024-05"), Eq("size", int64(2048))))
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Events)
		assert.True(t, rec.ModTime.Equal(mtime))

		_, err = s.FindArchive(ctx, Where(Eq("name", "download-2024-05"), Eq("size", int64(2049))))
		assert.True(t, apperr.IsNotFound(err))

		_, err = s.FindArchive(ctx, Where(Eq("name", "download-2024-05"), Eq("size", 2048), Eq("modTime", mtime)))
		require.NoError(t, err)
	})
}
