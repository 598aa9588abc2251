package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/schema"
)

// ErrEntityMismatch возвращается при попытке слить состояния разных сущностей
var ErrEntityMismatch = errors.New("entity mismatch")

// FieldDiff поле, значения которого на двух сторонах действительно различались
type FieldDiff struct {
	Field  string
	Winner models.Side
	Local  models.FieldValue
	Remote models.FieldValue
	// LocalMissing поле отсутствовало в локальном состоянии (только для malformed)
	LocalMissing bool
}

// MergeResult результат слияния двух состояний сущности
type MergeResult struct {
	Entity *models.Entity
	// Imbalance отклонение от баланса, которое дало бы поле-за-полем LWW
	Imbalance decimal.Decimal
	Diffs     []FieldDiff
	// Malformed поля удаленной стороны без provenance; слияние не выполнялось
	Malformed        []string
	Ordering         Ordering
	BalancedOverride bool
}

// FastForward сообщает, было ли принято удаленное состояние целиком.
func (r *MergeResult) FastForward() bool {
	return r.Ordering == V2Dominates
}

// IsMalformed сообщает, отказался ли движок сливать состояние.
func (r *MergeResult) IsMalformed() bool {
	return len(r.Malformed) > 0
}

// DiffFields возвращает имена различающихся полей.
func (r *MergeResult) DiffFields() []string {
	out := make([]string, 0, len(r.Diffs))
	for _, d := range r.Diffs {
		out = append(out, d.Field)
	}
	return out
}

// Engine CRDT движок слияния на уровне полей.
// Реестр схем нужен для правила сбалансированных записей.
type Engine struct {
	schemas *schema.Registry
}

// NewEngine создает движок слияния.
func NewEngine(schemas *schema.Registry) *Engine {
	return &Engine{schemas: schemas}
}

// Merge сливает локальное состояние с удаленным (полным или частичным,
// полученным из ChangeState). local может быть nil, если сущность еще неизвестна.
// Входные состояния не меняются.
func (e *Engine) Merge(local, remote *models.Entity) (*MergeResult, error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: remote state is nil", ErrEntityMismatch)
	}
	if local == nil {
		local = &models.Entity{
			ID:        remote.ID,
			Type:      remote.Type,
			CompanyID: remote.CompanyID,
			Fields:    map[string]models.FieldValue{},
			Vector:    models.VersionVector{},
		}
	}
	if local.ID != remote.ID {
		return nil, fmt.Errorf("%w: %s != %s", ErrEntityMismatch, local.ID, remote.ID)
	}
	if local.Type != remote.Type {
		return nil, fmt.Errorf("%w: entity %s type %s != %s", ErrEntityMismatch, local.ID, local.Type, remote.Type)
	}

	// Fail closed: без provenance LWW не применим, локальное состояние не трогаем
	if bad := MissingProvenance(remote); len(bad) > 0 {
		return &MergeResult{
			Entity:    local.Clone(),
			Ordering:  Compare(local.Vector, remote.Vector),
			Malformed: bad,
			Diffs:     malformedDiffs(local, remote),
		}, nil
	}

	ord := Compare(local.Vector, remote.Vector)
	if ord != Concurrent {
		// Причинно упорядоченные состояния: принимается доминирующая сторона,
		// метки времени не сравниваются.
		return &MergeResult{Entity: fastForward(local, remote, ord), Ordering: ord}, nil
	}

	merged, diffs := union(local, remote)
	res := &MergeResult{Entity: merged, Ordering: Concurrent, Diffs: diffs}

	t := e.schemas.Lookup(local.Type)
	if !t.IsBalanced() {
		return res, nil
	}

	touched := false
	for _, d := range diffs {
		if t.IsBalancedField(d.Field) {
			touched = true
			break
		}
	}
	if !touched {
		return res, nil
	}

	// Суммы сбалансированной записи не сливаются по полям:
	// локальные значения остаются до решения пользователя.
	imbalance, err := t.Imbalance(merged.Values())
	if err != nil {
		imbalance = decimal.Zero
	}
	res.Imbalance = imbalance
	res.BalancedOverride = true
	for i, d := range res.Diffs {
		if !t.IsBalancedField(d.Field) {
			continue
		}
		if d.LocalMissing {
			delete(merged.Fields, d.Field)
		} else {
			merged.Fields[d.Field] = d.Local
		}
		res.Diffs[i].Winner = models.SideLocal
	}
	return res, nil
}

// fastForward принимает доминирующее состояние. Удаленное состояние может
// быть частичным (ChangeState), поэтому его поля накладываются на локальные.
func fastForward(local, remote *models.Entity, ord Ordering) *models.Entity {
	merged := local.Clone()
	if ord == V2Dominates {
		for name, rv := range remote.Fields {
			merged.Fields[name] = rv
		}
	}
	merged.Vector = MergeVectors(local.Vector, remote.Vector)
	return merged
}

// union объединяет поля двух сторон по LWW и возвращает поля,
// значения которых различались.
func union(local, remote *models.Entity) (*models.Entity, []FieldDiff) {
	merged := local.Clone()
	var diffs []FieldDiff

	for name, rv := range remote.Fields {
		lv, ok := local.Fields[name]
		if !ok {
			merged.Fields[name] = rv
			continue
		}
		winner, side := PickField(lv, rv)
		merged.Fields[name] = winner
		if lv.Value != rv.Value {
			diffs = append(diffs, FieldDiff{Field: name, Local: lv, Remote: rv, Winner: side})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	merged.Vector = MergeVectors(local.Vector, remote.Vector)
	return merged, diffs
}

func malformedDiffs(local, remote *models.Entity) []FieldDiff {
	var diffs []FieldDiff
	for name, rv := range remote.Fields {
		lv, ok := local.Fields[name]
		if ok && lv.Value == rv.Value {
			continue
		}
		diffs = append(diffs, FieldDiff{
			Field:        name,
			Local:        lv,
			Remote:       rv,
			Winner:       models.SideLocal,
			LocalMissing: !ok,
		})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}
