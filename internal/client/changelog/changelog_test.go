package changelog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ledgerkeeper/internal/client/device"
	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/client/storage/boltdb"
	"github.com/iudanet/ledgerkeeper/internal/conflict"
	"github.com/iudanet/ledgerkeeper/internal/crdt"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/schema"
	"github.com/iudanet/ledgerkeeper/internal/syncerr"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLog(t *testing.T, deviceID string) (*Log, *boltdb.Storage) {
	t.Helper()
	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := crdt.NewClockWithSource(deviceID, func() time.Time { return time.UnixMilli(1_000) })
	reg := schema.Builtin()
	return New(store, device.NewWithClock("company-1", clock), crdt.NewEngine(reg), conflict.NewDetector(reg), setupTestLogger()), store
}

func TestLog_Append(t *testing.T) {
	ctx := context.Background()
	log, store := newTestLog(t, "A")

	first, err := log.Append(ctx, "acc-1", "account", models.OpCreate, map[string]string{"name": "Cash", "kind": "asset"})
	require.NoError(t, err)
	second, err := log.Append(ctx, "acc-1", "account", models.OpUpdate, map[string]string{"name": "Petty cash"})
	require.NoError(t, err)
	other, err := log.Append(ctx, "acc-2", "account", models.OpCreate, map[string]string{"name": "Bank"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, int64(3), other.Seq, "seq is per device, not per entity")
	assert.Greater(t, second.Timestamp, first.Timestamp)
	assert.Equal(t, "A", second.DeviceID)
	assert.Equal(t, "company-1", second.CompanyID)
	assert.Equal(t, models.VersionVector{}, first.Base)
	assert.Equal(t, models.VersionVector{"A": 1}, second.Base)
	assert.NotEqual(t, first.ID, second.ID)

	err = store.View(ctx, func(tx storage.Tx) error {
		e, err := tx.GetEntity("acc-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"name": "Petty cash", "kind": "asset"}, e.Values())
		assert.Equal(t, models.VersionVector{"A": 2}, e.Vector)
		assert.Equal(t, int64(2), e.Fields["name"].Seq)
		assert.False(t, e.IsDeleted())

		got, err := tx.GetChange(second.ID)
		require.NoError(t, err)
		assert.Equal(t, second, got)
		return nil
	})
	require.NoError(t, err)
}

func TestLog_Append_Validation(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, "A")

	_, err := log.Append(ctx, "acc-1", "account", models.OpKind("merge"), nil)
	assert.ErrorIs(t, err, ErrInvalidOp)

	_, err = log.Append(ctx, "", "account", models.OpCreate, nil)
	assert.ErrorIs(t, err, ErrInvalidOp)

	_, err = log.Append(ctx, "acc-1", "account", models.OpCreate, map[string]string{"name": "Cash"})
	require.NoError(t, err)
	_, err = log.Append(ctx, "acc-1", "invoice", models.OpUpdate, map[string]string{"name": "x"})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestLog_Append_StorageError(t *testing.T) {
	log, store := newTestLog(t, "A")
	require.NoError(t, store.Close())

	_, err := log.Append(context.Background(), "acc-1", "account", models.OpCreate, nil)

	var se *syncerr.StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestLog_Append_DeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	log, store := newTestLog(t, "A")

	_, err := log.Append(ctx, "acc-1", "account", models.OpCreate, map[string]string{"name": "Cash"})
	require.NoError(t, err)
	_, err = log.Append(ctx, "acc-1", "account", models.OpDelete, nil)
	require.NoError(t, err)

	isDeleted := func() bool {
		var deleted bool
		require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
			e, err := tx.GetEntity("acc-1")
			deleted = err == nil && e.IsDeleted()
			return err
		}))
		return deleted
	}
	assert.True(t, isDeleted())

	_, err = log.Append(ctx, "acc-1", "account", models.OpRestore, nil)
	require.NoError(t, err)
	assert.False(t, isDeleted())
}

func TestLog_Append_SupersedesOpenConflict(t *testing.T) {
	ctx := context.Background()
	log, store := newTestLog(t, "A")

	_, err := log.Append(ctx, "je-1", "journal_entry", models.OpCreate, map[string]string{"date": "2024-01-01"})
	require.NoError(t, err)

	open := &models.ConflictRecord{
		ID:             "conflict-1",
		CompanyID:      "company-1",
		EntityID:       "je-1",
		EntityType:     "journal_entry",
		Fields:         []string{"lines.1.amount", "lines.2.amount"},
		Classification: models.ClassNeedsEntityChoice,
		Status:         models.StatusUnresolved,
	}
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error { return tx.PutConflict(open) }))

	rec, err := log.Append(ctx, "je-1", "journal_entry", models.OpUpdate, map[string]string{"lines.1.amount": "-5", "lines.2.amount": "5"})
	require.NoError(t, err)

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		c, err := tx.GetConflict("conflict-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusResolvedByUser, c.Status)
		assert.Equal(t, []string{rec.ID}, c.ResolutionChangeIDs)
		_, err = tx.OpenConflict("je-1")
		assert.ErrorIs(t, err, storage.ErrConflictNotFound)
		return nil
	}))
}

func collect(t *testing.T, log *Log, cursor models.VersionVector) []string {
	t.Helper()
	var ids []string
	for rec, err := range log.Since(context.Background(), cursor) {
		require.NoError(t, err)
		ids = append(ids, rec.DeviceID+"/"+rec.EntityID)
	}
	return ids
}

func TestLog_Since(t *testing.T) {
	ctx := context.Background()
	log, store := newTestLog(t, "A")
	log.pageSize = 2

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		_, err := log.Append(ctx, id, "account", models.OpCreate, map[string]string{"name": id})
		require.NoError(t, err)
	}
	// изменения другого устройства, полученные при синхронизации
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for seq := int64(1); seq <= 3; seq++ {
			rec := &models.ChangeRecord{ID: "b" + string(rune('0'+seq)), DeviceID: "B", Seq: seq, EntityID: "x" + string(rune('0'+seq)), EntityType: "account", Op: models.OpCreate}
			if err := tx.PutChange(rec); err != nil {
				return err
			}
		}
		return nil
	}))

	tests := []struct {
		cursor   models.VersionVector
		name     string
		expected []string
	}{
		{name: "from scratch", cursor: nil, expected: []string{"A/e1", "A/e2", "A/e3", "A/e4", "A/e5", "B/x1", "B/x2", "B/x3"}},
		{name: "after cursor", cursor: models.VersionVector{"A": 3, "B": 2}, expected: []string{"A/e4", "A/e5", "B/x3"}},
		{name: "caught up", cursor: models.VersionVector{"A": 5, "B": 3}, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, collect(t, log, tt.cursor))
		})
	}

	// последовательность перезапускается и допускает ранний выход
	seq := log.Since(ctx, nil)
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
	all := 0
	for range seq {
		all++
	}
	assert.Equal(t, 8, all)
}

func TestLog_Since_StorageError(t *testing.T) {
	log, store := newTestLog(t, "A")
	require.NoError(t, store.Close())

	for rec, err := range log.Since(context.Background(), nil) {
		assert.Nil(t, rec)
		var se *syncerr.StorageError
		assert.True(t, errors.As(err, &se))
	}
}

func TestLog_Unsent(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, "A")

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "e1", "account", models.OpUpdate, map[string]string{"memo": "x"})
		require.NoError(t, err)
	}

	recs, err := log.Unsent(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(3), recs[0].Seq)
	assert.Equal(t, int64(4), recs[1].Seq)
}

func TestLog_Compact(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Log, *boltdb.Storage, []*models.ChangeRecord) {
		log, store := newTestLog(t, "A")
		var recs []*models.ChangeRecord
		for i := 0; i < 4; i++ {
			rec, err := log.Append(ctx, "e1", "account", models.OpUpdate, map[string]string{"memo": "x"})
			require.NoError(t, err)
			recs = append(recs, rec)
		}
		return log, store, recs
	}
	remaining := func(t *testing.T, log *Log) int {
		return len(collect(t, log, nil))
	}

	t.Run("no acknowledgement state is a no-op", func(t *testing.T) {
		log, _, recs := setup(t)
		n, err := log.Compact(ctx, recs[3].ID)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 4, remaining(t, log))
	})

	t.Run("a known device without acknowledgement blocks compaction", func(t *testing.T) {
		log, store, recs := setup(t)
		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			if err := tx.PutChange(&models.ChangeRecord{ID: "c-1", DeviceID: "C", Seq: 1, Timestamp: 1}); err != nil {
				return err
			}
			return tx.PutAcks(map[string]models.VersionVector{"B": {"A": 4, "C": 1}})
		}))

		n, err := log.Compact(ctx, recs[3].ID)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 5, remaining(t, log))
	})

	t.Run("unknown boundary is a no-op", func(t *testing.T) {
		log, store, _ := setup(t)
		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			return tx.PutAcks(map[string]models.VersionVector{"B": {"A": 4}})
		}))
		n, err := log.Compact(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("removes records older than the boundary acknowledged by all", func(t *testing.T) {
		log, store, recs := setup(t)
		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			return tx.PutAcks(map[string]models.VersionVector{
				"B": {"A": 4},
				"C": {"A": 2},
			})
		}))

		n, err := log.Compact(ctx, recs[3].ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "C has only seen A/2")
		assert.Equal(t, 2, remaining(t, log))

		// номера не переиспользуются после compaction
		rec, err := log.Append(ctx, "e1", "account", models.OpUpdate, map[string]string{"memo": "y"})
		require.NoError(t, err)
		assert.Equal(t, int64(5), rec.Seq)
	})
}
