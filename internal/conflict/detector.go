// Package conflict решает по результату слияния, нужно ли участие пользователя,
// и ведет записи о конфликтах.
package conflict

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ledgerkeeper/internal/crdt"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/schema"
)

// Detector классификатор конфликтов. Чистая функция над результатом
// слияния: состояния не хранит.
type Detector struct {
	schemas *schema.Registry
	now     func() time.Time
	newID   func() string
}

// NewDetector создает детектор
func NewDetector(schemas *schema.Registry) *Detector {
	return &Detector{
		schemas: schemas,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Classify строит запись о конфликте по результату слияния.
// Возвращает nil, если стороны не расходились.
// changeIDs - изменения, приведшие к слиянию (только ссылки).
func (d *Detector) Classify(res *crdt.MergeResult, changeIDs ...string) *models.ConflictRecord {
	if res == nil || (len(res.Diffs) == 0 && !res.IsMalformed()) {
		return nil
	}

	now := d.now().UTC()
	e := res.Entity
	rec := &models.ConflictRecord{
		ID:         d.newID(),
		CompanyID:  e.CompanyID,
		EntityID:   e.ID,
		EntityType: e.Type,
		Fields:     res.DiffFields(),
		Candidates: candidates(res.Diffs),
		ChangeIDs:  slices.Clone(changeIDs),
		Status:     models.StatusUnresolved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	switch {
	case res.IsMalformed():
		rec.Classification = models.ClassNeedsEntityChoice
		rec.Reason = models.ReasonMalformed
		return rec
	case res.BalancedOverride:
		rec.Classification = models.ClassNeedsEntityChoice
		rec.Reason = models.ReasonBalanced
		return rec
	}

	t := d.schemas.Lookup(e.Type)
	states := sideStates(res)
	var sensitive []string
	for _, f := range rec.Fields {
		if t.IsSensitive(f, states...) {
			sensitive = append(sensitive, f)
		}
	}

	if len(sensitive) == 0 {
		rec.Classification = models.ClassAutoResolved
		rec.Status = models.StatusResolvedAutomatically
		rec.Reason = models.ReasonLWW
		rec.ResolvedAt = &now
		rec.Resolutions = lwwResolutions(res, nil)
		return rec
	}

	rec.Reason = models.ReasonHighSensitivity
	if t.Interdependent(rec.Fields) {
		rec.Classification = models.ClassNeedsEntityChoice
		return rec
	}
	rec.Classification = models.ClassNeedsFieldChoice
	// нечувствительные поля уже решены по LWW и не требуют выбора
	rec.Resolutions = lwwResolutions(res, sensitive)
	return rec
}

// lwwResolutions значения победителей LWW для различающихся полей,
// кроме перечисленных в skip.
func lwwResolutions(res *crdt.MergeResult, skip []string) map[string]string {
	out := make(map[string]string, len(res.Diffs))
	for _, diff := range res.Diffs {
		if !slices.Contains(skip, diff.Field) {
			out[diff.Field] = res.Entity.Fields[diff.Field].Value
		}
	}
	return out
}

// Fold сливает новую нерешенную запись в уже открытую запись той же сущности.
// Возвращает обновленную копию open.
func (d *Detector) Fold(open, next *models.ConflictRecord) *models.ConflictRecord {
	out := clone(open)
	if next == nil {
		return out
	}

	for _, f := range next.Fields {
		if !slices.Contains(out.Fields, f) {
			out.Fields = append(out.Fields, f)
		}
		delete(out.Resolutions, f)
		if r, ok := next.Resolutions[f]; ok {
			if out.Resolutions == nil {
				out.Resolutions = make(map[string]string)
			}
			out.Resolutions[f] = r
		}
		out.Candidates[f] = foldCandidates(out.Candidates[f], next.Candidates[f])
	}
	sort.Strings(out.Fields)

	if next.Classification.Severity() > out.Classification.Severity() {
		out.Classification = next.Classification
		out.Reason = next.Reason
	}
	for _, id := range next.ChangeIDs {
		if !slices.Contains(out.ChangeIDs, id) {
			out.ChangeIDs = append(out.ChangeIDs, id)
		}
	}
	out.Status = models.StatusUnresolved
	out.ResolvedAt = nil
	out.UpdatedAt = d.now().UTC()
	return out
}

// Supersede закрывает поля открытой записи, перезаписанные причинно более
// поздним изменением (локальной правкой или решением с другого устройства).
// Поля из absent считаются решенными отсутствием значения.
// Возвращает обновленную копию и признак изменения.
func (d *Detector) Supersede(open *models.ConflictRecord, change *models.ChangeRecord, absent ...string) (*models.ConflictRecord, bool) {
	out := clone(open)
	changed := false
	for _, f := range open.Unresolved() {
		v, ok := change.Delta[f]
		if f == models.TombstoneField {
			v, ok = change.Op.Tombstone(), true
		}
		if !ok && slices.Contains(absent, f) {
			v, ok = "", true
		}
		if !ok {
			continue
		}
		if out.Resolutions == nil {
			out.Resolutions = make(map[string]string)
		}
		out.Resolutions[f] = v
		changed = true
	}
	if !changed {
		return out, false
	}

	now := d.now().UTC()
	if !slices.Contains(out.ResolutionChangeIDs, change.ID) {
		out.ResolutionChangeIDs = append(out.ResolutionChangeIDs, change.ID)
	}
	out.UpdatedAt = now
	if len(out.Unresolved()) == 0 {
		out.Status = models.StatusResolvedByUser
		out.ResolvedAt = &now
	}
	return out, true
}

func candidates(diffs []crdt.FieldDiff) map[string][]models.Candidate {
	out := make(map[string][]models.Candidate, len(diffs))
	for _, diff := range diffs {
		var list []models.Candidate
		if !diff.LocalMissing {
			list = append(list, candidate(models.SideLocal, diff.Local, diff.Winner))
		}
		list = append(list, candidate(models.SideRemote, diff.Remote, diff.Winner))
		out[diff.Field] = list
	}
	return out
}

func candidate(side models.Side, v models.FieldValue, winner models.Side) models.Candidate {
	return models.Candidate{
		Side:      side,
		Value:     v.Value,
		DeviceID:  v.DeviceID,
		Timestamp: v.Timestamp,
		Seq:       v.Seq,
		Winner:    side == winner,
	}
}

// foldCandidates сохраняет исходного локального кандидата и берет
// самого нового удаленного.
func foldCandidates(existing, next []models.Candidate) []models.Candidate {
	var local, remote *models.Candidate
	pick := func(list []models.Candidate) {
		for i := range list {
			c := list[i]
			switch c.Side {
			case models.SideLocal:
				if local == nil {
					local = &c
				}
			case models.SideRemote:
				if remote == nil || newer(c, *remote) {
					remote = &c
				}
			}
		}
	}
	pick(existing)
	pick(next)

	var out []models.Candidate
	if local != nil {
		out = append(out, *local)
	}
	if remote != nil {
		out = append(out, *remote)
	}
	return out
}

func newer(a, b models.Candidate) bool {
	return models.FieldValue{Value: a.Value, DeviceID: a.DeviceID, Timestamp: a.Timestamp, Seq: a.Seq}.
		IsNewerThan(models.FieldValue{Value: b.Value, DeviceID: b.DeviceID, Timestamp: b.Timestamp, Seq: b.Seq})
}

// sideStates собирает значения обеих сторон для условных правил чувствительности.
func sideStates(res *crdt.MergeResult) []map[string]string {
	local := res.Entity.Values()
	remote := res.Entity.Values()
	for _, diff := range res.Diffs {
		local[diff.Field] = diff.Local.Value
		remote[diff.Field] = diff.Remote.Value
	}
	return []map[string]string{local, remote}
}

func clone(c *models.ConflictRecord) *models.ConflictRecord {
	out := *c
	out.Fields = slices.Clone(c.Fields)
	out.ChangeIDs = slices.Clone(c.ChangeIDs)
	out.ResolutionChangeIDs = slices.Clone(c.ResolutionChangeIDs)
	out.Candidates = make(map[string][]models.Candidate, len(c.Candidates))
	for k, v := range c.Candidates {
		out.Candidates[k] = slices.Clone(v)
	}
	if c.Resolutions != nil {
		out.Resolutions = make(map[string]string, len(c.Resolutions))
		for k, v := range c.Resolutions {
			out.Resolutions[k] = v
		}
	}
	return &out
}
