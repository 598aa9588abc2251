package models

import "time"

// OpKind вид операции изменения
type OpKind string

const (
	OpCreate  OpKind = "create"
	OpUpdate  OpKind = "update"
	OpDelete  OpKind = "delete"
	OpRestore OpKind = "restore"
)

// Valid проверяет, что операция известна.
func (o OpKind) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpRestore:
		return true
	}
	return false
}

// Tombstone возвращает значение tombstone поля, которое выставляет операция.
func (o OpKind) Tombstone() string {
	if o == OpDelete {
		return TombstoneSet
	}
	return TombstoneClear
}

// ChangeRecord неизменяемая единица журнала изменений.
// Создается один раз при локальной правке или при разрешении конфликта.
type ChangeRecord struct {
	Delta      map[string]string `json:"delta"`
	Base       VersionVector     `json:"base"` // Base вектор сущности на устройстве-источнике до изменения
	ID         string            `json:"id"`   // ID глобально уникальный идентификатор (UUID)
	CompanyID  string            `json:"company_id"`
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type"`
	DeviceID   string            `json:"device_id"`
	Op         OpKind            `json:"op"`
	Seq        int64             `json:"seq"`       // Seq локальный монотонный номер на устройстве
	Timestamp  int64             `json:"timestamp"` // Timestamp unix ms, не используется для причинного порядка
}

// Time возвращает метку времени изменения.
func (c *ChangeRecord) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// SyncCursor закладка для удаленной точки синхронизации.
// Position - relay sequence последнего примененного изменения.
type SyncCursor struct {
	UpdatedAt time.Time `json:"updated_at"`
	Endpoint  string    `json:"endpoint"`
	Position  int64     `json:"position"`
}
