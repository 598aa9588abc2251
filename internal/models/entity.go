package models

// TombstoneField зарезервированное поле, моделирующее удаление.
// Участвует в LWW наравне с остальными полями: более поздняя правка
// воскрешает запись, более позднее удаление побеждает более раннюю правку.
const TombstoneField = "_deleted"

// Значения tombstone поля
const (
	TombstoneSet   = "true"
	TombstoneClear = "false"
)

// Типы сущностей, известные встроенной схеме
const (
	EntityTypeAccount      = "account"
	EntityTypeTransaction  = "transaction"
	EntityTypeInvoice      = "invoice"
	EntityTypeJournalEntry = "journal_entry"
)

// FieldValue значение поля сущности вместе с его происхождением (provenance).
// Каждое изменяемое поле несет собственную метку времени и устройство,
// поэтому слияние выполняется на уровне полей, а не записи целиком.
type FieldValue struct {
	Value     string `json:"value" msgpack:"v"`
	DeviceID  string `json:"device_id" msgpack:"d"` // DeviceID устройство, записавшее значение
	Timestamp int64  `json:"timestamp" msgpack:"t"` // Timestamp unix ms, только для tie-break и отображения
	Seq       int64  `json:"seq" msgpack:"s"`       // Seq порядковый номер изменения на устройстве
}

// IsNewerThan сравнивает provenance двух значений по правилу LWW:
// 1. больший Timestamp выигрывает
// 2. при равных Timestamp выигрывает лексикографически больший DeviceID
// 3. затем больший Seq, затем больший Value
// Порядок полный, поэтому все устройства сходятся к одному ответу.
func (f FieldValue) IsNewerThan(other FieldValue) bool {
	if f.Timestamp != other.Timestamp {
		return f.Timestamp > other.Timestamp
	}
	if f.DeviceID != other.DeviceID {
		return f.DeviceID > other.DeviceID
	}
	if f.Seq != other.Seq {
		return f.Seq > other.Seq
	}
	return f.Value > other.Value
}

// HasProvenance проверяет, что у значения есть обязательные метаданные происхождения.
func (f FieldValue) HasProvenance() bool {
	return f.Timestamp > 0 && f.DeviceID != "" && f.Seq > 0
}

// Entity синхронизируемая бизнес-запись (счет, проводка, инвойс...).
// Type служит дискриминатором, правила для типа хранит реестр схем.
type Entity struct {
	Fields    map[string]FieldValue `json:"fields"`
	Vector    VersionVector         `json:"vector"`
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	CompanyID string                `json:"company_id"`
}

// IsDeleted сообщает, победил ли tombstone.
func (e *Entity) IsDeleted() bool {
	f, ok := e.Fields[TombstoneField]
	return ok && f.Value == TombstoneSet
}

// Value возвращает значение поля и признак его наличия.
func (e *Entity) Value(field string) (string, bool) {
	f, ok := e.Fields[field]
	if !ok {
		return "", false
	}
	return f.Value, true
}

// Values возвращает пользовательские поля без provenance и без tombstone.
func (e *Entity) Values() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for name, f := range e.Fields {
		if name == TombstoneField {
			continue
		}
		out[name] = f.Value
	}
	return out
}

// Clone создает глубокую копию сущности
func (e *Entity) Clone() *Entity {
	fields := make(map[string]FieldValue, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return &Entity{
		ID:        e.ID,
		Type:      e.Type,
		CompanyID: e.CompanyID,
		Fields:    fields,
		Vector:    e.Vector.Clone(),
	}
}
