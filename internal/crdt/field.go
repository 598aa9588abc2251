package crdt

import (
	"sort"

	"github.com/iudanet/ledgerkeeper/internal/models"
)

// PickField выбирает победителя LWW между двумя значениями одного поля.
func PickField(local, remote models.FieldValue) (models.FieldValue, models.Side) {
	if remote.IsNewerThan(local) {
		return remote, models.SideRemote
	}
	return local, models.SideLocal
}

// ChangeState превращает изменение в частичное состояние сущности:
// только поля дельты (плюс tombstone) с provenance изменения и вектор
// Advance(Base, DeviceID, Seq).
func ChangeState(rec *models.ChangeRecord) *models.Entity {
	fields := make(map[string]models.FieldValue, len(rec.Delta)+1)
	stamp := func(v string) models.FieldValue {
		return models.FieldValue{
			Value:     v,
			Timestamp: rec.Timestamp,
			DeviceID:  rec.DeviceID,
			Seq:       rec.Seq,
		}
	}
	for name, v := range rec.Delta {
		fields[name] = stamp(v)
	}
	fields[models.TombstoneField] = stamp(rec.Op.Tombstone())

	return &models.Entity{
		ID:        rec.EntityID,
		Type:      rec.EntityType,
		CompanyID: rec.CompanyID,
		Fields:    fields,
		Vector:    Advance(rec.Base, rec.DeviceID, rec.Seq),
	}
}

// MissingProvenance возвращает отсортированный список полей без обязательного provenance.
func MissingProvenance(e *models.Entity) []string {
	if e == nil {
		return nil
	}
	var out []string
	for name, f := range e.Fields {
		if !f.HasProvenance() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
