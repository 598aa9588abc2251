package boltdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/models"
)

func TestNew_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb.db")

	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	// Проверяем что файл БД действительно создан
	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	err = store.db.View(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if tx.Bucket(b) == nil {
				return os.ErrNotExist
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNew_InvalidPath(t *testing.T) {
	// Путь внутри несуществующей директории
	invalidPath := filepath.Join(t.TempDir(), "missing", "dir", "db")
	store, err := New(context.Background(), invalidPath)
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestStorage_Closed(t *testing.T) {
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "double close is safe")

	err = store.Update(context.Background(), func(tx storage.Tx) error { return nil })
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	err = store.View(context.Background(), func(tx storage.Tx) error { return nil })
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	_, err = store.GetAuth(context.Background())
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestStorage_Update_Rollback(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)
	boom := errors.New("boom")

	err := store.Update(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.PutEntity(&models.Entity{ID: "e-1", Type: "account"}))
		require.NoError(t, tx.PutChange(&models.ChangeRecord{ID: "c-1", DeviceID: "A", Seq: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.View(ctx, func(tx storage.Tx) error {
		_, err := tx.GetEntity("e-1")
		assert.ErrorIs(t, err, storage.ErrEntityNotFound)
		has, err := tx.HasChange("c-1")
		require.NoError(t, err)
		assert.False(t, has)
		last, err := tx.LastSeq("A")
		require.NoError(t, err)
		assert.Zero(t, last)
		return nil
	})
	require.NoError(t, err)
}

func TestStorage_Update_CancelledContext(t *testing.T) {
	store := createTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.Update(ctx, func(tx storage.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestStorage_Entities(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	entities := []*models.Entity{
		{ID: "b", Type: "account", Fields: map[string]models.FieldValue{"name": {Value: "Bank", Timestamp: 1, DeviceID: "A", Seq: 1}}, Vector: models.VersionVector{"A": 1}},
		{ID: "a", Type: "account", Fields: map[string]models.FieldValue{"name": {Value: "Cash", Timestamp: 2, DeviceID: "A", Seq: 2}}, Vector: models.VersionVector{"A": 2}},
		{ID: "t", Type: "transaction", Fields: map[string]models.FieldValue{}, Vector: models.VersionVector{"B": 1}},
	}

	err := store.Update(ctx, func(tx storage.Tx) error {
		for _, e := range entities {
			if err := tx.PutEntity(e); err != nil {
				return err
			}
		}
		return tx.PutEntity(&models.Entity{})
	})
	require.ErrorContains(t, err, "entity without ID")

	err = store.Update(ctx, func(tx storage.Tx) error {
		for _, e := range entities {
			if err := tx.PutEntity(e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx storage.Tx) error {
		got, err := tx.GetEntity("b")
		require.NoError(t, err)
		assert.Equal(t, entities[0], got)

		accounts, err := tx.ListEntities("account")
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "a", accounts[0].ID)
		assert.Equal(t, "b", accounts[1].ID)

		all, err := tx.ListEntities("")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		_, err = tx.GetEntity("missing")
		assert.ErrorIs(t, err, storage.ErrEntityNotFound)
		return nil
	})
	require.NoError(t, err)
}
