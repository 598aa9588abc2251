package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/ledgerkeeper/internal/client/storage"
)

var (
	// BoltDB bucket names
	bucketAuth         = []byte("auth")
	bucketEntities     = []byte("entities")
	bucketChanges      = []byte("changes")      // вложенный bucket на каждое устройство
	bucketChangeIndex  = []byte("change_index") // change ID -> device + seq
	bucketConflicts    = []byte("conflicts")
	bucketConflictOpen = []byte("conflict_open") // entity ID -> открытый conflict ID
	bucketMetadata     = []byte("metadata")

	allBuckets = [][]byte{
		bucketAuth, bucketEntities, bucketChanges, bucketChangeIndex,
		bucketConflicts, bucketConflictOpen, bucketMetadata,
	}
)

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db *bbolt.DB
}

var (
	_ storage.Store       = (*Storage)(nil)
	_ storage.AuthStorage = (*Storage)(nil)
)

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	// Инициализируем buckets
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Update выполняет fn в транзакции записи. BoltDB допускает одного писателя,
// поэтому локальные правки и синхронизация не пишут одновременно.
func (s *Storage) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// View выполняет fn в транзакции чтения.
func (s *Storage) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// tx реализует storage.Tx поверх транзакции BoltDB
type tx struct {
	btx *bbolt.Tx
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) bucket(name []byte) (*bbolt.Bucket, error) {
	b := t.btx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%s bucket not found", name)
	}
	return b, nil
}

// seqKey кодирует seq в big-endian, чтобы курсор BoltDB шел по возрастанию
func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func decodeSeq(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
