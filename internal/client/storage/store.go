package storage

import (
	"context"

	"github.com/iudanet/ledgerkeeper/internal/models"
)

// Store транзакционное локальное хранилище устройства.
// Все изменения внутри fn фиксируются атомарно; ошибка fn откатывает транзакцию.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx операции, доступные внутри транзакции
type Tx interface {
	EntityTx
	ChangeTx
	ConflictTx
	MetadataTx
}

// EntityTx снимки сущностей
type EntityTx interface {
	// GetEntity returns ErrEntityNotFound if entity doesn't exist
	GetEntity(id string) (*models.Entity, error)
	PutEntity(e *models.Entity) error
	// ListEntities returns entities of the type sorted by ID; empty type means all
	ListEntities(entityType string) ([]*models.Entity, error)
}

// ChangeTx журнал изменений, разбитый по устройствам
type ChangeTx interface {
	// PutChange stores a record. Storing the same change ID twice is a no-op;
	// a different change at an occupied (device, seq) returns ErrSequenceTaken.
	PutChange(rec *models.ChangeRecord) error
	// GetChange returns ErrChangeNotFound if the record doesn't exist (or was compacted)
	GetChange(id string) (*models.ChangeRecord, error)
	HasChange(id string) (bool, error)
	// LastSeq returns the highest seq ever stored for the device, surviving compaction
	LastSeq(deviceID string) (int64, error)
	// ChangesAfter returns device records with seq > afterSeq in seq order; limit <= 0 means no limit
	ChangesAfter(deviceID string, afterSeq int64, limit int) ([]*models.ChangeRecord, error)
	// ChangeDevices returns sorted IDs of devices that have records in the log
	ChangeDevices() ([]string, error)
	// DeleteChangesThrough removes device records with seq <= seq
	DeleteChangesThrough(deviceID string, seq int64) (int, error)
}

// ConflictTx записи о конфликтах
type ConflictTx interface {
	// PutConflict stores a record and keeps the per-entity open index current
	PutConflict(c *models.ConflictRecord) error
	// GetConflict returns ErrConflictNotFound if the record doesn't exist
	GetConflict(id string) (*models.ConflictRecord, error)
	// OpenConflict returns the unresolved record of the entity or ErrConflictNotFound
	OpenConflict(entityID string) (*models.ConflictRecord, error)
	// ListConflicts returns records sorted by creation time; empty company means all
	ListConflicts(companyID string) ([]*models.ConflictRecord, error)
	DeleteConflict(id string) error
}

// MetadataTx курсоры и отметки синхронизации
type MetadataTx interface {
	// GetCursor returns a zero cursor for an unknown endpoint
	GetCursor(endpoint string) (*models.SyncCursor, error)
	PutCursor(c *models.SyncCursor) error
	// GetPushMark returns the highest own seq acknowledged by the endpoint
	GetPushMark(endpoint string) (int64, error)
	PutPushMark(endpoint string, seq int64) error
	// GetAcks returns what every known device has received; nil if never reported
	GetAcks() (map[string]models.VersionVector, error)
	PutAcks(acks map[string]models.VersionVector) error
}
