package boltdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/ledgerkeeper/internal/client/storage"
)

// создаём тестовое BoltDB хранилище во временной директории
func createTestStorage(t *testing.T) *Storage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "client_test.db")

	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStorage_SaveGetDeleteAuth(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	auth := &storage.AuthData{
		Company:      "acme",
		CompanyID:    "company-id-123",
		DeviceID:     "device-1",
		AccessToken:  "encrypted-access-token",
		RefreshToken: "encrypted-refresh-token",
		PublicSalt:   "salt",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}

	// До сохранения GetAuth выдает ErrAuthNotFound
	_, err := store.GetAuth(ctx)
	assert.ErrorIs(t, err, storage.ErrAuthNotFound)

	require.NoError(t, store.SaveAuth(ctx, auth))

	got, err := store.GetAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth, got)

	authOk, err := store.IsAuthenticated(ctx)
	require.NoError(t, err)
	assert.True(t, authOk)

	// Токен истек
	auth.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	require.NoError(t, store.SaveAuth(ctx, auth))

	authOk, err = store.IsAuthenticated(ctx)
	require.NoError(t, err)
	assert.False(t, authOk)

	require.NoError(t, store.DeleteAuth(ctx))

	_, err = store.GetAuth(ctx)
	assert.ErrorIs(t, err, storage.ErrAuthNotFound)

	// Повторное удаление
	assert.ErrorIs(t, store.DeleteAuth(ctx), storage.ErrAuthNotFound)
}

func TestStorage_IsAuthenticated_NoSession(t *testing.T) {
	store := createTestStorage(t)

	authOk, err := store.IsAuthenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, authOk)
}

func TestStorage_DeviceID(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	id, err := store.GetDeviceID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.SaveDeviceID(ctx, "device-42"))
	require.NoError(t, store.SaveAuth(ctx, &storage.AuthData{DeviceID: "device-42", AccessToken: "t"}))
	require.NoError(t, store.DeleteAuth(ctx))

	id, err = store.GetDeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "device-42", id, "identity survives logout")
}

func TestStorage_Auth_BucketMissing(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	// Удаляем bucket auth напрямую
	err := store.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket(bucketAuth)
	})
	require.NoError(t, err)

	err = store.SaveAuth(ctx, &storage.AuthData{Company: "test"})
	assert.ErrorContains(t, err, "auth bucket not found")

	_, err = store.GetAuth(ctx)
	assert.ErrorContains(t, err, "auth bucket not found")

	err = store.DeleteAuth(ctx)
	assert.ErrorContains(t, err, "auth bucket not found")
}
